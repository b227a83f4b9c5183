package events

import (
	"context"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/models"
)

// LogPublisher writes events to the log. Used when no brokers are configured.
type LogPublisher struct {
	log logger.Logger
}

func NewLogPublisher(log logger.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, event *models.TransferEvent) {
	p.log.Info("Ledger event",
		logger.StringField("event_id", event.EventID),
		logger.StringField("type", event.Type),
		logger.StringField("transaction_id", event.TransactionID),
		logger.StringField("status", string(event.Status)),
		logger.Int64Field("amount", event.Amount),
		logger.StringField("currency", event.Currency))
}
