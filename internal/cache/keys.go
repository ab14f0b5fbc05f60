package cache

import "fmt"

// PollerLeaseKey guards the single status poller of a deployment.
func PollerLeaseKey(jobID string) string {
	return fmt.Sprintf("poller:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// InventoryKey holds the cached list of running instances for a zone.
func InventoryKey(zone string) string {
	return fmt.Sprintf("inventory:%s", zone)
}
