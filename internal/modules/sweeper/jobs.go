package sweeper

import "time"

// SessionCloseJob is the scheduler entry run at (or after) each day's
// close: cancel resting orders, then snapshot closing prices. Order
// matters — the closing price is computed from trades, which the cancel
// pass never touches, but cancelling first guarantees no late match can
// slip in between the two halves.
type SessionCloseJob struct {
	svc *Service
}

func NewSessionCloseJob(svc *Service) *SessionCloseJob {
	return &SessionCloseJob{svc: svc}
}

func (j *SessionCloseJob) Name() string { return "session_close" }

func (j *SessionCloseJob) Run() error {
	if _, err := j.svc.CancelPendingOrders(); err != nil {
		return err
	}
	_, err := j.svc.UpdateClosingPrices(time.Now())
	return err
}
