package metrics

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/payhub/pkg/messaging"
)

// Recorder writes payment and claim volume points to InfluxDB, fed from
// the audit event subjects. Losing a point never affects settlement, so
// write errors are logged and dropped.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

// Start subscribes the recorder to the audit subjects.
func (r *Recorder) Start(msgClient *messaging.Client) error {
	if err := msgClient.Subscribe(messaging.SubjectPaid, r.handlePaid); err != nil {
		return err
	}
	return msgClient.Subscribe(messaging.SubjectClaimed, r.handleClaimed)
}

// Close flushes and releases the InfluxDB client.
func (r *Recorder) Close() {
	r.client.Close()
}

// envelope mirrors messaging.Envelope with the payload left raw.
type envelope struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (r *Recorder) handlePaid(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("metrics: dropping malformed paid event: %v", err)
		return
	}
	var event messaging.PaidEvent
	if err := json.Unmarshal(env.Data, &event); err != nil {
		log.Printf("metrics: dropping malformed paid event: %v", err)
		return
	}

	amount, err := parseAmount(event.Amount)
	if err != nil {
		log.Printf("metrics: dropping paid event with bad amount: %v", err)
		return
	}
	sellerShare, err := parseAmount(event.SellerShare)
	if err != nil {
		log.Printf("metrics: dropping paid event with bad seller share: %v", err)
		return
	}
	companyShare, err := parseAmount(event.CompanyShare)
	if err != nil {
		log.Printf("metrics: dropping paid event with bad company share: %v", err)
		return
	}

	point := influxdb2.NewPoint("payment",
		map[string]string{
			"token":  event.Token,
			"seller": event.Seller,
		},
		map[string]interface{}{
			"amount":        amount,
			"seller_share":  sellerShare,
			"company_share": companyShare,
		},
		env.Timestamp,
	)
	if err := r.write.WritePoint(context.Background(), point); err != nil {
		log.Printf("metrics: failed to write payment point: %v", err)
	}
}

func (r *Recorder) handleClaimed(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("metrics: dropping malformed claimed event: %v", err)
		return
	}
	var event messaging.ClaimedEvent
	if err := json.Unmarshal(env.Data, &event); err != nil {
		log.Printf("metrics: dropping malformed claimed event: %v", err)
		return
	}

	amount, err := parseAmount(event.Amount)
	if err != nil {
		log.Printf("metrics: dropping claimed event with bad amount: %v", err)
		return
	}

	point := influxdb2.NewPoint("claim",
		map[string]string{
			"token":  event.Token,
			"seller": event.Seller,
		},
		map[string]interface{}{
			"amount": amount,
		},
		env.Timestamp,
	)
	if err := r.write.WritePoint(context.Background(), point); err != nil {
		log.Printf("metrics: failed to write claim point: %v", err)
	}
}

func parseAmount(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
