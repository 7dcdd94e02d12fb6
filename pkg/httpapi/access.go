package httpapi

import (
	"context"
	"errors"

	"github.com/otherjamesbrown/lexireport/pkg/analysis/store"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// AccessChecker decides whether user may see or act on a report.
type AccessChecker interface {
	CanAccess(ctx context.Context, user, reportID string) bool
}

// AccessFunc adapts a function to AccessChecker.
type AccessFunc func(ctx context.Context, user, reportID string) bool

// CanAccess calls f.
func (f AccessFunc) CanAccess(ctx context.Context, user, reportID string) bool {
	return f(ctx, user, reportID)
}

// OwnerAccess grants access to the report owner only. Unknown reports are
// allowed through so the handler can answer 404.
type OwnerAccess struct {
	Reports store.Reports
}

// CanAccess implements AccessChecker.
func (a OwnerAccess) CanAccess(ctx context.Context, user, reportID string) bool {
	r, err := a.Reports.GetReport(ctx, reportID)
	if err != nil {
		return errors.Is(err, lrerrors.ErrNotFound)
	}
	return r.OwnerID == user
}
