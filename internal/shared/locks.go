package shared

import "fmt"

// AuditSamplingLockKey builds the redis key guarding a daily sampling run.
func AuditSamplingLockKey(date string) string {
	return fmt.Sprintf("floorops:audit-sampling:%s:lock", date)
}
