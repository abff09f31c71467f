package browser

import (
	"context"

	"github.com/loykin/erpsync/internal/erp"
)

// Session is one isolated browser automation context bound to a user's ERP
// login. It is created and torn down by the Driver; lease bookkeeping (age,
// reuse, eviction) belongs to the pool.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Proc   int    `json:"proc"` // index of the owning browser process
}

// Proc is the view of a running browser process that session consumers need.
// *Process implements it; tests substitute fakes.
type Proc interface {
	Index() int
	DebugURL() string
	Alive() bool
	Done() <-chan struct{}
	Stop(ctx context.Context) error
	Kill() error
}

// Driver drives the ERP web UI through a browser process. The core treats every
// operation as an opaque call with a success/failure outcome and never inspects
// page structure. Implementations live outside this module.
type Driver interface {
	// OpenSession creates a fresh automation context on p for userID and logs in.
	OpenSession(ctx context.Context, p Proc, userID string) (*Session, error)
	// CloseSession tears the context down. Best effort; errors are advisory.
	CloseSession(ctx context.Context, s *Session) error
	// CheckSession opens a transient page scoped to the session and reports
	// whether the required ERP auth cookies are still present and unexpired.
	CheckSession(ctx context.Context, s *Session) (bool, error)

	// PageCount re-derives the source's reported total pages for a domain.
	PageCount(ctx context.Context, s *Session, d erp.Domain) (int, error)
	// ScrapePage extracts the items of one page (1-based).
	ScrapePage(ctx context.Context, s *Session, d erp.Domain, page int) ([]erp.Item, error)
	// DownloadExport triggers the ERP's document export for a domain and
	// returns the local file path of the downloaded document.
	DownloadExport(ctx context.Context, s *Session, d erp.Domain) (string, error)

	// PlaceOrder fills and submits one order, returning the ERP order id.
	PlaceOrder(ctx context.Context, s *Session, o erp.Order) (string, error)
}
