package metrics

import "time"

// Event and operation names shared by the gateway components.
const (
	EventPayment    = "payment"
	EventSettlement = "settlement"
	EventDelivery   = "delivery"

	OpVerify   = "verify"
	OpSettle   = "settle"
	OpGenerate = "generate"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// Since observes the time elapsed from start under name.
func Since(r Recorder, name string, start time.Time, labels map[string]string) {
	r.ObserveLatency(name, time.Since(start), labels)
}
