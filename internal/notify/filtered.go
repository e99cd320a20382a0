package notify

import "context"

// severityFiltered wraps a Notifier and drops messages below a minimum
// severity. Messages with an unknown severity are dropped too.
type severityFiltered struct {
	inner Notifier
	min   int
}

func newSeverityFiltered(inner Notifier, minSeverity string) *severityFiltered {
	return &severityFiltered{inner: inner, min: severityRank(minSeverity)}
}

// Name returns the name of the wrapped notifier.
func (f *severityFiltered) Name() string { return f.inner.Name() }

// Send forwards the message only when it meets the minimum severity.
func (f *severityFiltered) Send(ctx context.Context, msg Message) error {
	if severityRank(msg.Severity) < f.min {
		return nil
	}
	return f.inner.Send(ctx, msg)
}
