package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultPrefix = "replay"

// SlicePositions is the subject suffix for playback frames.
const SlicePositions = "positions"

type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc          *nats.Conn
	conn        conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("trip-replay"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logSubjects, m)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{conn: c, prefix: subjectToken(prefix), logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Subject returns <prefix>.<datasetId>.<slice>. A zero dataset id maps to "none".
func (p *NATSPublisher) Subject(datasetID int64, slice string) string {
	ds := "none"
	if datasetID != 0 {
		ds = strconv.FormatInt(datasetID, 10)
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, ds, subjectToken(slice))
}

// PublishSlice sends one engine slice snapshot as JSON.
func (p *NATSPublisher) PublishSlice(datasetID int64, slice string, payload any) error {
	return p.publish(p.Subject(datasetID, slice), payload)
}

type PositionMessage struct {
	RoadID    string   `json:"roadId"`
	EPCCode   string   `json:"epcCode,omitempty"`
	Anomalies []string `json:"anomalies,omitempty"`
	Lon       float64  `json:"lon"`
	Lat       float64  `json:"lat"`
	Bearing   float64  `json:"bearing"`
	Progress  float64  `json:"progress"`
	SpeedMps  float64  `json:"speedMps"`
}

type FrameMessage struct {
	Cursor    float64           `json:"cursor"`
	Timestamp time.Time         `json:"timestamp"`
	Positions []PositionMessage `json:"positions"`
}

// PublishPositions sends one playback frame.
func (p *NATSPublisher) PublishPositions(datasetID int64, frame FrameMessage) error {
	if frame.Positions == nil {
		frame.Positions = []PositionMessage{}
	}
	return p.publish(p.Subject(datasetID, SlicePositions), frame)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s bytes=%d", subject, len(b))
	}
	start := time.Now()
	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
