package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backoffice/services/fulfillment/internal/models"
)

// StockRepository provides access to stock movements, levels and
// reservations
type StockRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *gorm.DB, readOnlyDB *gorm.DB) *StockRepository {
	return &StockRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// applyMovementTx inserts a stock movement and, when the movement is
// new, applies its delta to the stock level. The unique index on the
// movement's idempotency key (allocation id or external reference)
// makes a retried application a no-op: the insert is skipped and the
// level is left untouched. Returns whether the movement was applied.
func applyMovementTx(tx *gorm.DB, movement *models.StockMovement) (bool, error) {
	conflictColumn := "caused_by_allocation_id"
	if movement.CausedByAllocationID == nil {
		conflictColumn = "external_ref"
	}

	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: conflictColumn}},
		DoNothing: true,
	}).Create(movement)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to insert stock movement")
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	level := models.StockLevel{
		ID:              uuid.New(),
		ArticleID:       movement.ArticleID,
		DestinationType: movement.DestinationType,
		DestinationID:   movement.DestinationID,
		Quantity:        movement.Delta,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "article_id"},
			{Name: "destination_type"},
			{Name: "destination_id"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quantity":   gorm.Expr("quantity + ?", movement.Delta),
			"updated_at": time.Now(),
		}),
	}).Create(&level).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to apply stock delta")
	}

	return true, nil
}

// ApplyArrival records an externally announced stock arrival as a
// single transaction: the movement plus the level increment. The
// external reference is the idempotency key; replaying the same
// arrival returns applied=false with no level change.
func (r *StockRepository) ApplyArrival(ctx context.Context, movement *models.StockMovement) (bool, error) {
	var applied bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		applied, txErr = applyMovementTx(tx, movement)
		return txErr
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Level returns the on-hand quantity for an article at a destination
func (r *StockRepository) Level(ctx context.Context, articleID uuid.UUID, destinationType models.DestinationType, destinationID uuid.UUID) (int64, error) {
	var level models.StockLevel
	err := r.readOnlyDB.WithContext(ctx).
		Where("article_id = ? AND destination_type = ? AND destination_id = ?",
			articleID, destinationType, destinationID).
		First(&level).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to get stock level")
	}
	return level.Quantity, nil
}

// ReservedAt returns the quantity of unconsumed reservations for an
// article at a destination
func (r *StockRepository) ReservedAt(ctx context.Context, articleID uuid.UUID, destinationType models.DestinationType, destinationID uuid.UUID) (int64, error) {
	var reserved int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.StockReservation{}).
		Where("article_id = ? AND destination_type = ? AND destination_id = ? AND consumed = ?",
			articleID, destinationType, destinationID, false).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&reserved).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum stock reservations")
	}
	return reserved, nil
}

// LatestPositiveMovements returns the newest inbound movement per
// destination holding stock of an article. The rematch sweep reuses
// these as the notification dedup anchor, so a sweep pass after an
// already-matched arrival creates nothing new.
func (r *StockRepository) LatestPositiveMovements(ctx context.Context, articleID uuid.UUID) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	err := r.readOnlyDB.WithContext(ctx).
		Raw(`SELECT DISTINCT ON (destination_type, destination_id) *
			FROM stock_movements
			WHERE article_id = ? AND delta > 0
			ORDER BY destination_type, destination_id, applied_at DESC`, articleID).
		Scan(&movements).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list latest inbound movements")
	}
	return movements, nil
}

// MovementsForArticle returns the movement audit trail for an article,
// newest first
func (r *StockRepository) MovementsForArticle(ctx context.Context, articleID uuid.UUID, limit int) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	err := r.readOnlyDB.WithContext(ctx).
		Where("article_id = ?", articleID).
		Order("applied_at DESC").
		Limit(limit).
		Find(&movements).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stock movements")
	}
	return movements, nil
}
