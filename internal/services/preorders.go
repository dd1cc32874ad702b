package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"example.com/backoffice/services/fulfillment/internal/cache"
	"example.com/backoffice/services/fulfillment/internal/matcher"
	"example.com/backoffice/services/fulfillment/internal/metrics"
	"example.com/backoffice/services/fulfillment/internal/models"
	"example.com/backoffice/services/fulfillment/internal/repositories"
)

// StockArrivalInput is an external stock arrival event. ExternalRef is
// the caller's idempotency key; retries with the same ref apply once.
type StockArrivalInput struct {
	ArticleID       uuid.UUID              `json:"article_id"`
	DestinationType models.DestinationType `json:"destination_type"`
	DestinationID   uuid.UUID              `json:"destination_id"`
	Quantity        int64                  `json:"quantity"`
	ExternalRef     string                 `json:"external_ref"`
	OccurredAt      time.Time              `json:"occurred_at"`
}

// ArrivalResult reports what a stock arrival produced
type ArrivalResult struct {
	MovementID    uuid.UUID                         `json:"movement_id"`
	Applied       bool                              `json:"applied"`
	Notifications []models.AvailabilityNotification `json:"notifications"`
}

// RegisterStockArrival records a stock increase from outside the
// purchase flow (returns, transfers, corrections) and runs preorder
// matching on the arrived quantity. Replays with a known external ref
// are acknowledged without moving stock again.
func (s *FulfillmentService) RegisterStockArrival(ctx context.Context, input *StockArrivalInput) (*ArrivalResult, error) {
	txn := s.tracer.StartTransaction("register-stock-arrival")
	defer s.tracer.EndTransaction(txn)

	if input.ArticleID == uuid.Nil {
		return nil, &ValidationError{Reason: "article id is required"}
	}
	if !input.DestinationType.IsValid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown destination type %q", input.DestinationType)}
	}
	if input.Quantity <= 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("arrival quantity must be positive, got %d", input.Quantity)}
	}

	externalRef := input.ExternalRef
	if externalRef == "" {
		externalRef = fmt.Sprintf("arrival:%s", uuid.New())
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	movement := &models.StockMovement{
		ID:              uuid.New(),
		ArticleID:       input.ArticleID,
		DestinationType: input.DestinationType,
		DestinationID:   input.DestinationID,
		Delta:           input.Quantity,
		ExternalRef:     &externalRef,
		AppliedAt:       occurredAt,
	}

	applied, err := s.stockRepo.ApplyArrival(ctx, movement)
	if err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError(metrics.OpRegisterArrival)
		return nil, errors.Wrap(err, "failed to apply stock arrival")
	}

	if !applied {
		log.Info().
			Str("external_ref", externalRef).
			Str("article_id", input.ArticleID.String()).
			Msg("Stock arrival already applied, skipping")
		return &ArrivalResult{MovementID: movement.ID, Applied: false}, nil
	}

	log.Info().
		Str("movement_id", movement.ID.String()).
		Str("article_id", input.ArticleID.String()).
		Str("destination_type", string(input.DestinationType)).
		Int64("quantity", input.Quantity).
		Msg("Stock arrival applied")
	s.metrics.RecordSuccess(metrics.OpRegisterArrival)
	s.indexMovement(ctx, movement)

	notifications, err := s.matchMovement(ctx, movement)
	if err != nil {
		// The arrival itself is committed; the sweep or the next
		// arrival for this article picks the demand up again.
		log.Error().Err(err).
			Str("movement_id", movement.ID.String()).
			Str("article_id", movement.ArticleID.String()).
			Msg("Preorder matching failed for arrival")
	}

	return &ArrivalResult{MovementID: movement.ID, Applied: true, Notifications: notifications}, nil
}

// matchMovement reserves newly arrived stock for the oldest open
// preorders of the article and notifies the waiting customers once per
// source movement. Returns the notifications that were actually
// created.
func (s *FulfillmentService) matchMovement(ctx context.Context, movement *models.StockMovement) ([]models.AvailabilityNotification, error) {
	demands, err := s.preorderRepo.OpenDemandsForArticle(ctx, movement.ArticleID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load open preorder demand")
	}
	if len(demands) == 0 {
		return nil, nil
	}

	level, err := s.stockRepo.Level(ctx, movement.ArticleID, movement.DestinationType, movement.DestinationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load stock level")
	}
	reserved, err := s.stockRepo.ReservedAt(ctx, movement.ArticleID, movement.DestinationType, movement.DestinationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load reserved quantity")
	}

	claims := matcher.Match(level-reserved, demands)
	if len(claims) == 0 {
		return nil, nil
	}

	application, err := s.buildMatchApplication(ctx, movement, demands, claims)
	if err != nil {
		return nil, err
	}

	created, err := s.preorderRepo.ApplyMatch(ctx, application)
	if err != nil {
		s.metrics.RecordError(metrics.OpMatchPreorders)
		return nil, errors.Wrap(err, "failed to apply preorder match")
	}

	log.Info().
		Str("article_id", movement.ArticleID.String()).
		Int("reservations", len(application.Reservations)).
		Int("notifications", len(created)).
		Msg("Preorder demand matched against arrived stock")
	s.metrics.RecordSuccess(metrics.OpMatchPreorders)

	for i := range created {
		s.publishNotification(ctx, &created[i])
	}

	return created, nil
}

// RematchOpenPreorders re-runs preorder matching for every article that
// still has unfulfilled demand, using the latest positive movement per
// destination as the notification dedup anchor. Arrivals whose matching
// failed transiently get another chance here.
func (s *FulfillmentService) RematchOpenPreorders(ctx context.Context) error {
	articles, err := s.preorderRepo.ArticlesWithOpenDemand(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load articles with open demand")
	}

	var matched, failed int
	for _, articleID := range articles {
		movements, err := s.stockRepo.LatestPositiveMovements(ctx, articleID)
		if err != nil {
			failed++
			log.Error().Err(err).
				Str("article_id", articleID.String()).
				Msg("Rematch sweep could not load movements for article")
			continue
		}
		for i := range movements {
			created, err := s.matchMovement(ctx, &movements[i])
			if err != nil {
				failed++
				log.Error().Err(err).
					Str("article_id", articleID.String()).
					Str("movement_id", movements[i].ID.String()).
					Msg("Rematch sweep failed for movement")
				continue
			}
			matched += len(created)
		}
	}

	log.Info().
		Int("articles", len(articles)).
		Int("notifications", matched).
		Int("failures", failed).
		Msg("Preorder rematch sweep finished")
	return nil
}

func (s *FulfillmentService) buildMatchApplication(
	ctx context.Context,
	movement *models.StockMovement,
	demands []matcher.Demand,
	claims []matcher.Claim,
) (*repositories.MatchApplication, error) {
	application := &repositories.MatchApplication{
		ArticleID:        movement.ArticleID,
		DestinationType:  movement.DestinationType,
		DestinationID:    movement.DestinationID,
		SourceMovementID: movement.ID,
	}

	claimedByPreorder := make(map[uuid.UUID]int64)
	claimedByLine := make(map[uuid.UUID]int64)
	var preorderOrder []uuid.UUID

	for _, claim := range claims {
		if _, seen := claimedByPreorder[claim.PreorderID]; !seen {
			preorderOrder = append(preorderOrder, claim.PreorderID)
		}
		claimedByPreorder[claim.PreorderID] += claim.Quantity
		claimedByLine[claim.LineID] += claim.Quantity

		application.Reservations = append(application.Reservations, models.StockReservation{
			ID:               uuid.New(),
			PreorderLineID:   claim.LineID,
			ArticleID:        movement.ArticleID,
			DestinationType:  movement.DestinationType,
			DestinationID:    movement.DestinationID,
			Quantity:         claim.Quantity,
			SourceMovementID: movement.ID,
		})
	}

	for _, preorderID := range preorderOrder {
		application.Notifications = append(application.Notifications, models.AvailabilityNotification{
			ID:                uuid.New(),
			PreorderID:        preorderID,
			ArticleID:         movement.ArticleID,
			SourceMovementID:  movement.ID,
			QuantityAvailable: claimedByPreorder[preorderID],
		})

		preorder, err := s.preorderRepo.GetByID(ctx, preorderID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load matched preorder")
		}

		next := models.PreorderReady
		for _, line := range preorder.Lines {
			covered := line.QuantityDelivered + lineReserved(demands, line.ID) + claimedByLine[line.ID]
			if covered < line.QuantityRequested {
				next = models.PreorderPreparing
				break
			}
		}

		if next != preorder.Status && preorder.Status.CanTransitionTo(next) {
			application.StatusUpdates = append(application.StatusUpdates, repositories.PreorderStatusUpdate{
				PreorderID:      preorder.ID,
				ExpectedVersion: preorder.Version,
				NextStatus:      next,
			})
		}
	}

	return application, nil
}

func lineReserved(demands []matcher.Demand, lineID uuid.UUID) int64 {
	for _, demand := range demands {
		if demand.LineID == lineID {
			return demand.Reserved
		}
	}
	return 0
}

func (s *FulfillmentService) publishNotification(ctx context.Context, notification *models.AvailabilityNotification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendMessage(ctx, notification); err != nil {
		s.metrics.RecordError(metrics.OpNotificationPublish)
		log.Warn().Err(err).
			Str("notification_id", notification.ID.String()).
			Str("preorder_id", notification.PreorderID.String()).
			Msg("Failed to publish availability notification")
		return
	}
	s.metrics.RecordSuccess(metrics.OpNotificationPublish)
}

// PreorderDeliveryResult reports what a preorder delivery produced
type PreorderDeliveryResult struct {
	PreorderStatus models.PreorderStatus  `json:"preorder_status"`
	Delivered      map[uuid.UUID]int64    `json:"delivered"`
	Movements      []models.StockMovement `json:"movements"`
}

// DeliverPreorder hands all currently reserved stock of a preorder
// over to the customer: reservations are consumed, line delivered
// quantities advance and the stock leaves the holding destinations.
func (s *FulfillmentService) DeliverPreorder(ctx context.Context, preorderID uuid.UUID) (*PreorderDeliveryResult, error) {
	txn := s.tracer.StartTransaction("deliver-preorder")
	defer s.tracer.EndTransaction(txn)

	preorder, err := s.preorderRepo.GetByID(ctx, preorderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load preorder")
	}
	if preorder.Status.IsTerminal() {
		return nil, &StateError{Entity: "preorder", Current: string(preorder.Status), Operation: "delivery"}
	}

	reservations, err := s.preorderRepo.ActiveReservations(ctx, preorderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load reservations")
	}
	if len(reservations) == 0 {
		return nil, &ValidationError{Reason: "preorder has no reserved stock to deliver"}
	}

	now := time.Now()
	delivery := &repositories.PreorderDelivery{
		LineDeltas: make(map[uuid.UUID]int64, len(reservations)),
	}
	for _, reservation := range reservations {
		delivery.ReservationIDs = append(delivery.ReservationIDs, reservation.ID)
		delivery.LineDeltas[reservation.PreorderLineID] += reservation.Quantity

		ref := fmt.Sprintf("preorder-delivery:%s", reservation.ID)
		delivery.Movements = append(delivery.Movements, models.StockMovement{
			ID:              uuid.New(),
			ArticleID:       reservation.ArticleID,
			DestinationType: reservation.DestinationType,
			DestinationID:   reservation.DestinationID,
			Delta:           -reservation.Quantity,
			ExternalRef:     &ref,
			AppliedAt:       now,
		})
	}

	next := models.PreorderDelivered
	for _, line := range preorder.Lines {
		if line.QuantityDelivered+delivery.LineDeltas[line.ID] < line.QuantityRequested {
			next = models.PreorderPartiallyDelivered
			break
		}
	}
	if !preorder.Status.CanTransitionTo(next) {
		return nil, &StateError{Entity: "preorder", Current: string(preorder.Status), Operation: "delivery"}
	}
	delivery.Update = repositories.PreorderStatusUpdate{
		PreorderID:      preorder.ID,
		ExpectedVersion: preorder.Version,
		NextStatus:      next,
	}

	if err := s.preorderRepo.ApplyDelivery(ctx, delivery); err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError(metrics.OpDeliverPreorder)
		return nil, errors.Wrap(err, "failed to apply preorder delivery")
	}

	log.Info().
		Str("preorder_id", preorder.ID.String()).
		Int("reservations_consumed", len(reservations)).
		Str("preorder_status", string(next)).
		Msg("Preorder stock delivered")
	s.metrics.RecordSuccess(metrics.OpDeliverPreorder)

	for i := range delivery.Movements {
		s.indexMovement(ctx, &delivery.Movements[i])
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.PreorderCacheKey(preorder.ID)); err != nil {
			log.Debug().Err(err).Str("preorder_id", preorder.ID.String()).Msg("Failed to invalidate preorder cache")
		}
	}

	return &PreorderDeliveryResult{
		PreorderStatus: next,
		Delivered:      delivery.LineDeltas,
		Movements:      delivery.Movements,
	}, nil
}

// ConvertPreorderToSale closes out a delivered preorder by issuing the
// sale invoice. The deposit already taken is recorded as the first
// payment so derived payment status accounts for it.
func (s *FulfillmentService) ConvertPreorderToSale(ctx context.Context, preorderID uuid.UUID) (*models.Invoice, error) {
	txn := s.tracer.StartTransaction("convert-preorder-to-sale")
	defer s.tracer.EndTransaction(txn)

	preorder, err := s.preorderRepo.GetByID(ctx, preorderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load preorder")
	}
	if !preorder.Status.CanTransitionTo(models.PreorderConvertedToSale) {
		return nil, &StateError{Entity: "preorder", Current: string(preorder.Status), Operation: "conversion to sale"}
	}

	preorderRef := preorder.ID
	invoice := &models.Invoice{
		ID:          uuid.New(),
		Type:        models.InvoiceSale,
		Number:      fmt.Sprintf("SI-%s-%d", shortID(preorder.ID), time.Now().Unix()),
		PreorderID:  &preorderRef,
		TotalAmount: decimal.Zero,
	}
	for _, line := range preorder.Lines {
		invoice.Lines = append(invoice.Lines, models.InvoiceLine{
			ID:                uuid.New(),
			InvoiceID:         invoice.ID,
			ArticleID:         line.ArticleID,
			QuantityOrdered:   line.QuantityRequested,
			QuantityDelivered: line.QuantityDelivered,
			UnitPrice:         line.UnitPrice,
		})
		invoice.TotalAmount = invoice.TotalAmount.Add(line.UnitPrice.Mul(decimal.NewFromInt(line.QuantityRequested)))
	}

	update := repositories.PreorderStatusUpdate{
		PreorderID:      preorder.ID,
		ExpectedVersion: preorder.Version,
		NextStatus:      models.PreorderConvertedToSale,
	}
	if err := s.preorderRepo.ConvertToSale(ctx, update, invoice); err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError(metrics.OpConvertPreorder)
		return nil, errors.Wrap(err, "failed to convert preorder to sale")
	}

	log.Info().
		Str("preorder_id", preorder.ID.String()).
		Str("invoice_number", invoice.Number).
		Str("total_amount", invoice.TotalAmount.String()).
		Msg("Preorder converted to sale")
	s.metrics.RecordSuccess(metrics.OpConvertPreorder)

	if preorder.DepositPaid.IsPositive() {
		deposit := &models.PaymentRecord{
			ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte("deposit:"+preorder.ID.String())),
			InvoiceID:  invoice.ID,
			Amount:     preorder.DepositPaid,
			Method:     "deposit",
			RecordedAt: time.Now(),
		}
		if err := s.invoiceRepo.AppendPayment(ctx, deposit); err != nil && !errors.Is(err, repositories.ErrDuplicatePayment) {
			log.Warn().Err(err).
				Str("invoice_id", invoice.ID.String()).
				Msg("Failed to record preorder deposit against sale invoice")
		}
	}

	s.reconcileAfterMutation(ctx, invoice.ID)
	return invoice, nil
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
