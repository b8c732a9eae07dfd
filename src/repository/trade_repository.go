package repository

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundingfarmer/src/database"
	"fundingfarmer/src/model"
)

// TradeRepository handles read/write operations for the completed-trade
// mirror table.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new repository instance using the main database.
func NewTradeRepository() *TradeRepository {
	logger.WithField("component", "TradeRepository").
		Info("Creating new TradeRepository with MainDB")

	return &TradeRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *TradeRepository) WithDB(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Record inserts one completed trade. (position_id, exit_time) is unique,
// so a retried write of the same exit is rejected by the database while
// later trades on the same symbol and side insert normally.
func (r *TradeRepository) Record(ctx context.Context, trade *model.TradeRecord) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "TradeRepository",
		"op":          "Record",
		"position_id": trade.PositionID,
		"symbol":      trade.Symbol,
	}).Debug("Recording completed trade")

	err := r.db.WithContext(ctx).Create(trade).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "TradeRepository",
			"op":          "Record",
			"position_id": trade.PositionID,
		}).WithError(err).Error("Failed to record trade")
		return err
	}
	return nil
}

// TradeSearchOptions narrows a trade listing. Zero values mean "no filter".
type TradeSearchOptions struct {
	Symbol      string
	Phase       string
	ClosedAfter *time.Time
	Limit       int
	Offset      int
}

// Search returns completed trades, newest exit first.
func (r *TradeRepository) Search(ctx context.Context, opts TradeSearchOptions) ([]model.TradeRecord, error) {
	query := r.db.WithContext(ctx).Model(&model.TradeRecord{})

	if opts.Symbol != "" {
		query = query.Where("symbol = ?", opts.Symbol)
	}
	if opts.Phase != "" {
		query = query.Where("phase = ?", opts.Phase)
	}
	if opts.ClosedAfter != nil {
		query = query.Where("exit_time >= ?", *opts.ClosedAfter)
	}

	query = query.Order("exit_time DESC, id DESC")
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}

	var trades []model.TradeRecord
	if err := query.Find(&trades).Error; err != nil {
		logger.WithField("repo", "TradeRepository").WithError(err).
			Error("Failed to search trades")
		return nil, err
	}
	return trades, nil
}
