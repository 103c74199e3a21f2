package shared

// Actor identifies who performs a mutating call and on behalf of which company.
type Actor struct {
	ID        int64
	CompanyID int64
	Name      string
}

// Validate ensures the actor can be stamped on records.
func (a Actor) Validate() error {
	if a.ID <= 0 {
		return Invalid("actor", "is required")
	}
	if a.CompanyID <= 0 {
		return Invalid("company", "is required")
	}
	return nil
}
