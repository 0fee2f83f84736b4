package till

// Scope identifies who is acting and where. It is passed explicitly to every
// Service call; nothing is read from ambient request state.
type Scope struct {
	TenantID   TenantID
	TerminalID TerminalID
	UserID     UserID
}

// ValidateTenant checks the identifiers needed for tenant-level operations.
func (s Scope) ValidateTenant() error {
	if s.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if s.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	return nil
}

// ValidateTerminal checks the identifiers needed for terminal-level operations.
func (s Scope) ValidateTerminal() error {
	if err := s.ValidateTenant(); err != nil {
		return err
	}
	if s.TerminalID == "" {
		return &ValidationError{Field: "terminal_id", Reason: "required"}
	}
	return nil
}

// ownsTerminal rejects terminals registered to another tenant.
func (s Scope) ownsTerminal(t Terminal) error {
	if t.TenantID != s.TenantID {
		return &ScopeError{Resource: "terminal", ID: string(t.ID), Reason: "belongs to another tenant"}
	}
	return nil
}

// ownsSession rejects sessions outside the scoped tenant, and outside the
// scoped terminal when one is set.
func (s Scope) ownsSession(sess TillSession) error {
	if sess.TenantID != s.TenantID {
		return &ScopeError{Resource: "till", ID: string(sess.ID), Reason: "belongs to another tenant"}
	}
	if s.TerminalID != "" && sess.TerminalID != s.TerminalID {
		return &ScopeError{Resource: "till", ID: string(sess.ID), Reason: "belongs to another terminal"}
	}
	return nil
}
