package notifyclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/service/notifyclient/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Триггеры уведомлений партнеру
const (
	TriggerReferralPending    = "REFERRAL_PENDING"
	TriggerCommissionApproved = "COMMISSION_APPROVED"
	TriggerTierUpgraded       = "TIER_UPGRADED"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultKafkaTopic = "affiliate.notifications"
	notifyPath        = "/api/notifications"
)

var ErrEmptyTrigger = errors.New("notification trigger is empty")

// JSON уведомления
type Notification struct {
	Trigger string            `json:"trigger"`
	Email   string            `json:"email"`
	UserID  string            `json:"user_id"`
	Data    map[string]string `json:"data,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
	Close() error
}

// NewSender: Kafka при заданных брокерах, HTTP при заданном адресе, иначе только лог
func NewSender(cfg config.Config, zaplog *zap.Logger) Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch {
	case len(cfg.KafkaBrokers) > 0:
		return NewKafkaSender(cfg)
	case cfg.Addr != "":
		return NewHTTPSender(cfg)
	default:
		return NewLogSender(zaplog)
	}
}

type httpSender struct {
	client *resty.Client
}

func NewHTTPSender(cfg config.Config) Sender {
	client := resty.New().
		SetBaseURL(cfg.Addr).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetHeader("Content-Type", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal
	return &httpSender{client: client}
}

func (s *httpSender) Send(ctx context.Context, n Notification) error {
	if n.Trigger == "" {
		return ErrEmptyTrigger
	}

	setreq := s.client.R().SetContext(ctx).SetBody(n)
	setreq.Method = http.MethodPost
	setreq.URL = notifyPath
	setresp, err := setreq.Send()
	if err != nil {
		return err
	}

	switch setresp.StatusCode() {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("notification request status: %d", setresp.StatusCode())
	}
}

func (s *httpSender) Close() error {
	return nil
}

type kafkaSender struct {
	writer *kafka.Writer
}

func NewKafkaSender(cfg config.Config) Sender {
	topic := cfg.KafkaTopic
	if topic == "" {
		topic = defaultKafkaTopic
	}
	return &kafkaSender{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.Timeout,
	}}
}

func (s *kafkaSender) Send(ctx context.Context, n Notification) error {
	if n.Trigger == "" {
		return ErrEmptyTrigger
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	// сообщения одного партнера попадают в одну партицию
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "trigger", Value: []byte(n.Trigger)},
		},
	})
}

func (s *kafkaSender) Close() error {
	return s.writer.Close()
}

type logSender struct {
	zaplog *zap.Logger
}

func NewLogSender(zaplog *zap.Logger) Sender {
	return &logSender{zaplog: zaplog}
}

func (s *logSender) Send(_ context.Context, n Notification) error {
	if n.Trigger == "" {
		return ErrEmptyTrigger
	}
	s.zaplog.Info("notification",
		zap.String("trigger", n.Trigger),
		zap.String("user", n.UserID),
		zap.Any("data", n.Data))
	return nil
}

func (s *logSender) Close() error {
	return nil
}
