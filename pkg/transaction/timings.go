package transaction

import "time"

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait for response retransmits after an INVITE failed, over unreliable transports.
	TimeD = 32 * time.Second
)

// Timings holds the base SIP timer values. The zero value uses [T1], [T2], [T4] and [TimeD];
// every other timer is derived from them.
type Timings struct {
	t1, t2, t4, timeD time.Duration
}

// NewTimings creates a timing config with the given base values. Zero values select the defaults.
func NewTimings(t1, t2, t4, timeD time.Duration) Timings {
	return Timings{t1: t1, t2: t2, t4: t4, timeD: timeD}
}

// T1 is the round-trip time estimate.
func (c Timings) T1() time.Duration {
	if c.t1 <= 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval.
func (c Timings) T2() time.Duration {
	if c.t2 <= 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
func (c Timings) T4() time.Duration {
	if c.t4 <= 0 {
		return T4
	}
	return c.t4
}

// TimeA is the initial INVITE retransmit interval.
func (c Timings) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout, 64*T1.
func (c Timings) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait for response retransmits in the Completed state of an INVITE client
// transaction. It is zero for reliable transports.
func (c Timings) TimeD(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	if c.timeD <= 0 {
		return TimeD
	}
	return c.timeD
}

// TimeE is the initial non-INVITE retransmit interval.
func (c Timings) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE client transaction timeout, 64*T1.
func (c Timings) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial retransmit interval of a final response to an INVITE.
func (c Timings) TimeG() time.Duration { return c.T1() }

// TimeH is how long an INVITE server transaction waits for the ACK of its final response, 64*T1.
func (c Timings) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is the wait for ACK retransmits in the Confirmed state of an INVITE server transaction.
// It is zero for reliable transports.
func (c Timings) TimeI(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.T4()
}

// TimeJ is the wait for request retransmits in the Completed state of a non-INVITE server
// transaction. It is zero for reliable transports.
func (c Timings) TimeJ(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return 64 * c.T1()
}

// TimeK is the wait for response retransmits in the Completed state of a non-INVITE client
// transaction. It is zero for reliable transports.
func (c Timings) TimeK(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.T4()
}

// nextInterval doubles d, capped at T2.
func (c Timings) nextInterval(d time.Duration) time.Duration {
	return min(2*d, c.T2())
}
