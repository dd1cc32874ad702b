package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backoffice/services/fulfillment/internal/matcher"
	"example.com/backoffice/services/fulfillment/internal/models"
)

// PreorderRepository provides access to preorders, their stock
// reservations and availability notifications
type PreorderRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewPreorderRepository creates a new preorder repository
func NewPreorderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *PreorderRepository {
	return &PreorderRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a preorder with its lines
func (r *PreorderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Preorder, error) {
	var preorder models.Preorder
	err := r.readOnlyDB.WithContext(ctx).Preload("Lines").First(&preorder, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get preorder")
	}
	return &preorder, nil
}

// Create creates a preorder with its lines
func (r *PreorderRepository) Create(ctx context.Context, preorder *models.Preorder) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(preorder).Error, "failed to create preorder")
}

// OpenDemandsForArticle lists preorder lines still waiting for stock
// of an article, with their delivered and reserved quantities. Reads
// go through the write database so a match that follows immediately
// after a stock arrival sees the arrival's reservations.
func (r *PreorderRepository) OpenDemandsForArticle(ctx context.Context, articleID uuid.UUID) ([]matcher.Demand, error) {
	var demands []matcher.Demand
	err := r.db.WithContext(ctx).
		Model(&models.PreorderLine{}).
		Joins("JOIN preorders ON preorders.id = preorder_lines.preorder_id").
		Where("preorder_lines.article_id = ?", articleID).
		Where("preorders.status NOT IN ?", []models.PreorderStatus{
			models.PreorderCancelled,
			models.PreorderConvertedToSale,
			models.PreorderDelivered,
		}).
		Where("preorders.deleted_at IS NULL").
		Where("preorder_lines.quantity_delivered < preorder_lines.quantity_requested").
		Select(`preorders.id AS preorder_id,
			preorders.created_at AS preorder_created_at,
			preorder_lines.id AS line_id,
			preorder_lines.article_id AS article_id,
			preorder_lines.quantity_requested AS requested,
			preorder_lines.quantity_delivered AS delivered,
			COALESCE((SELECT SUM(sr.quantity) FROM stock_reservations sr
				WHERE sr.preorder_line_id = preorder_lines.id AND sr.consumed = false), 0) AS reserved`).
		Order("preorders.created_at ASC").
		Scan(&demands).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open preorder demands")
	}
	return demands, nil
}

// ArticlesWithOpenDemand lists the distinct articles that still have
// unserved preorder demand, for the periodic rematch sweep
func (r *PreorderRepository) ArticlesWithOpenDemand(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.PreorderLine{}).
		Distinct("preorder_lines.article_id").
		Joins("JOIN preorders ON preorders.id = preorder_lines.preorder_id").
		Where("preorders.status NOT IN ?", []models.PreorderStatus{
			models.PreorderCancelled,
			models.PreorderConvertedToSale,
			models.PreorderDelivered,
		}).
		Where("preorders.deleted_at IS NULL").
		Where("preorder_lines.quantity_delivered < preorder_lines.quantity_requested").
		Pluck("preorder_lines.article_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list articles with open demand")
	}
	return ids, nil
}

// PreorderStatusUpdate is a guarded status transition for one preorder
type PreorderStatusUpdate struct {
	PreorderID      uuid.UUID
	ExpectedVersion int64
	NextStatus      models.PreorderStatus
}

// MatchApplication bundles everything a preorder match writes: the
// reservations claiming the arrived stock, the notifications to the
// waiting customers, and the preorder status transitions
type MatchApplication struct {
	ArticleID        uuid.UUID
	DestinationType  models.DestinationType
	DestinationID    uuid.UUID
	SourceMovementID uuid.UUID
	Reservations     []models.StockReservation
	Notifications    []models.AvailabilityNotification
	StatusUpdates    []PreorderStatusUpdate
}

// ApplyMatch applies a match decision as a single transaction. The
// stock level row is locked and the reservation total re-checked under
// the lock, so two concurrent matches cannot claim the same units. The
// notification unique index drops duplicates for the same source
// movement; only newly created notifications are returned.
func (r *PreorderRepository) ApplyMatch(ctx context.Context, application *MatchApplication) ([]models.AvailabilityNotification, error) {
	var created []models.AvailabilityNotification

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var level models.StockLevel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("article_id = ? AND destination_type = ? AND destination_id = ?",
				application.ArticleID, application.DestinationType, application.DestinationID).
			First(&level).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConcurrencyConflict
			}
			return errors.Wrap(err, "failed to lock stock level")
		}

		var reserved int64
		err = tx.Model(&models.StockReservation{}).
			Where("article_id = ? AND destination_type = ? AND destination_id = ? AND consumed = ?",
				application.ArticleID, application.DestinationType, application.DestinationID, false).
			Select("COALESCE(SUM(quantity), 0)").
			Scan(&reserved).Error
		if err != nil {
			return errors.Wrap(err, "failed to sum reservations under lock")
		}

		var claiming int64
		for _, reservation := range application.Reservations {
			claiming += reservation.Quantity
		}
		if reserved+claiming > level.Quantity {
			return ErrConcurrencyConflict
		}

		if len(application.Reservations) > 0 {
			if err := tx.Create(&application.Reservations).Error; err != nil {
				return errors.Wrap(err, "failed to create stock reservations")
			}
		}

		for _, notification := range application.Notifications {
			result := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "preorder_id"},
					{Name: "article_id"},
					{Name: "source_movement_id"},
				},
				DoNothing: true,
			}).Create(&notification)
			if result.Error != nil {
				return errors.Wrap(result.Error, "failed to create availability notification")
			}
			if result.RowsAffected > 0 {
				created = append(created, notification)
			}
		}

		for _, update := range application.StatusUpdates {
			result := tx.Model(&models.Preorder{}).
				Where("id = ? AND version = ?", update.PreorderID, update.ExpectedVersion).
				Updates(map[string]interface{}{
					"status":  update.NextStatus,
					"version": update.ExpectedVersion + 1,
				})
			if result.Error != nil {
				return errors.Wrap(result.Error, "failed to update preorder status")
			}
			if result.RowsAffected == 0 {
				return ErrConcurrencyConflict
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// PreorderDelivery bundles everything a preorder delivery writes:
// consumed reservations, delivered-quantity increments on the lines,
// the outbound stock movements and the status transition
type PreorderDelivery struct {
	Update         PreorderStatusUpdate
	ReservationIDs []uuid.UUID
	LineDeltas     map[uuid.UUID]int64
	Movements      []models.StockMovement
}

// ApplyDelivery applies a preorder delivery as a single transaction.
// Reservations are consumed with a conditional update; if another
// delivery consumed them first the whole operation fails with
// ErrConcurrencyConflict and no stock moves.
func (r *PreorderRepository) ApplyDelivery(ctx context.Context, delivery *PreorderDelivery) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Preorder{}).
			Where("id = ? AND version = ?", delivery.Update.PreorderID, delivery.Update.ExpectedVersion).
			Updates(map[string]interface{}{
				"status":  delivery.Update.NextStatus,
				"version": delivery.Update.ExpectedVersion + 1,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to update preorder status")
		}
		if result.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}

		if len(delivery.ReservationIDs) > 0 {
			result = tx.Model(&models.StockReservation{}).
				Where("id IN ? AND consumed = ?", delivery.ReservationIDs, false).
				Update("consumed", true)
			if result.Error != nil {
				return errors.Wrap(result.Error, "failed to consume reservations")
			}
			if result.RowsAffected != int64(len(delivery.ReservationIDs)) {
				return ErrConcurrencyConflict
			}
		}

		for lineID, delta := range delivery.LineDeltas {
			err := tx.Model(&models.PreorderLine{}).
				Where("id = ?", lineID).
				Update("quantity_delivered", gorm.Expr("quantity_delivered + ?", delta)).Error
			if err != nil {
				return errors.Wrap(err, "failed to update delivered quantity")
			}
		}

		for i := range delivery.Movements {
			if _, err := applyMovementTx(tx, &delivery.Movements[i]); err != nil {
				return err
			}
		}

		return nil
	})
}

// ActiveReservations lists unconsumed reservations of a preorder
func (r *PreorderRepository) ActiveReservations(ctx context.Context, preorderID uuid.UUID) ([]models.StockReservation, error) {
	var reservations []models.StockReservation
	err := r.db.WithContext(ctx).
		Joins("JOIN preorder_lines ON preorder_lines.id = stock_reservations.preorder_line_id").
		Where("preorder_lines.preorder_id = ? AND stock_reservations.consumed = ?", preorderID, false).
		Find(&reservations).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reservations")
	}
	return reservations, nil
}

// ConvertToSale transitions a preorder to converted_to_sale and
// creates the sale invoice in the same transaction. The transition is
// terminal and freezes further matching.
func (r *PreorderRepository) ConvertToSale(ctx context.Context, update PreorderStatusUpdate, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Preorder{}).
			Where("id = ? AND version = ?", update.PreorderID, update.ExpectedVersion).
			Updates(map[string]interface{}{
				"status":  models.PreorderConvertedToSale,
				"version": update.ExpectedVersion + 1,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to update preorder status")
		}
		if result.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}

		if err := tx.Create(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to create sale invoice")
		}

		return nil
	})
}

// Notifications lists the availability notifications of a preorder,
// newest first
func (r *PreorderRepository) Notifications(ctx context.Context, preorderID uuid.UUID) ([]models.AvailabilityNotification, error) {
	var notifications []models.AvailabilityNotification
	err := r.readOnlyDB.WithContext(ctx).
		Where("preorder_id = ?", preorderID).
		Order("created_at DESC").
		Find(&notifications).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	return notifications, nil
}

// AcknowledgeNotification marks a notification as acknowledged
func (r *PreorderRepository) AcknowledgeNotification(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.AvailabilityNotification{}).
		Where("id = ?", id).
		Update("acknowledged", true)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to acknowledge notification")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
