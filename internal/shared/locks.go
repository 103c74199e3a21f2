package shared

import "fmt"

// PeriodCloseLockKey builds the redis key guarding one company's monthly close.
func PeriodCloseLockKey(companyID int64, year, month int) string {
	return fmt.Sprintf("inventory:close:%d:%04d-%02d:lock", companyID, year, month)
}
