package till

import "context"

// Directory answers "which session is open on this terminal". Read-only.
type Directory struct {
	Sessions SessionStore
}

func NewDirectory(sessions SessionStore) *Directory {
	return &Directory{Sessions: sessions}
}

// Active returns the open session for the terminal. A terminal with no open
// session, or no history at all, yields (zero, false, nil). A session owned by
// another tenant is reported as a ScopeError.
func (d *Directory) Active(ctx context.Context, tenantID TenantID, terminalID TerminalID) (TillSession, bool, error) {
	sess, ok, err := d.Sessions.ActiveSession(ctx, terminalID)
	if err != nil || !ok {
		return TillSession{}, false, err
	}
	if sess.TenantID != tenantID {
		return TillSession{}, false, &ScopeError{Resource: "terminal", ID: string(terminalID), Reason: "belongs to another tenant"}
	}
	return sess, true, nil
}
