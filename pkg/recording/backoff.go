package recording

import "time"

// BackoffPolicy computes the retry delay after a failed stage. Every
// next_retry_at value in the system is derived through Delay; nothing
// sets retry timestamps ad hoc.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns min(Base * 2^min(n,5), Cap) for the n-th retry.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	exp := retryCount
	if exp > 5 {
		exp = 5
	}

	d := p.Base * time.Duration(1<<uint(exp))
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}
