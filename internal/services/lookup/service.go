package lookup

import (
	"context"
	"fmt"
	"time"

	"hermes/internal/domain/order"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// Cache keys; the bot:cache: prefix groups everything invalidatable here.
const (
	cachePrefix           = "bot:cache:"
	orderByNumberKey      = cachePrefix + "order:number:%s"
	orderBySerialKey      = cachePrefix + "order:serial:%s"
	ordersByNationalIDKey = cachePrefix + "order:nid:%s"
	userByNationalIDKey   = cachePrefix + "user:nid:%s"
	complaintTicketKey    = cachePrefix + "complaint:%s"
	complaintThrottleKey  = "bot:limit:complaint:%s"

	ticketTTL      = 24 * time.Hour
	throttleWindow = 24 * time.Hour
)

// Cache is the slice of the cache store the lookup service uses
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool
	Invalidate(ctx context.Context, pattern string) int64
	Increment(ctx context.Context, key string, amount int64) (int64, bool)
	Expire(ctx context.Context, key string, ttl time.Duration) bool
}

// CaseAPI is the case-management backend surface
type CaseAPI interface {
	GetOrderByNumber(ctx context.Context, number string) (*order.Order, error)
	GetOrderBySerial(ctx context.Context, serial string) (*order.Order, error)
	GetOrdersByNationalID(ctx context.Context, nationalID string) ([]order.Order, error)
	GetUserByNationalID(ctx context.Context, nationalID string) (*order.User, error)
	SubmitComplaint(ctx context.Context, complaint order.Complaint) (*order.Ticket, error)
	SubmitRepairRequest(ctx context.Context, req order.RepairRequest) (*order.Ticket, error)
}

// Service serves backend lookups through the cache. Order data stays hot
// for a minute, identity data for five; submissions bypass the cache and
// complaints are throttled per customer per day.
type Service struct {
	cache Cache
	api   CaseAPI
	log   *logger.Logger

	orderTTL         time.Duration
	userTTL          time.Duration
	complaintsPerDay int64
}

// NewService creates a lookup service
func NewService(cache Cache, api CaseAPI, orderTTL, userTTL time.Duration, complaintsPerDay int64, log *logger.Logger) *Service {
	return &Service{
		cache:            cache,
		api:              api,
		log:              log.With("service", "lookup"),
		orderTTL:         orderTTL,
		userTTL:          userTTL,
		complaintsPerDay: complaintsPerDay,
	}
}

// GetOrderByNumber fetches an order, served from cache when hot
func (s *Service) GetOrderByNumber(ctx context.Context, number string) (*order.Order, error) {
	key := fmt.Sprintf(orderByNumberKey, number)

	var cached order.Order
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	o, err := s.api.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, key, o, s.orderTTL)
	return o, nil
}

// GetOrderBySerial fetches the order containing a device serial
func (s *Service) GetOrderBySerial(ctx context.Context, serial string) (*order.Order, error) {
	key := fmt.Sprintf(orderBySerialKey, serial)

	var cached order.Order
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	o, err := s.api.GetOrderBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, key, o, s.orderTTL)
	return o, nil
}

// GetOrdersByNationalID fetches all orders of a customer
func (s *Service) GetOrdersByNationalID(ctx context.Context, nationalID string) ([]order.Order, error) {
	key := fmt.Sprintf(ordersByNationalIDKey, nationalID)

	var cached []order.Order
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	list, err := s.api.GetOrdersByNationalID(ctx, nationalID)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, key, list, s.orderTTL)
	return list, nil
}

// GetUserByNationalID resolves a customer identity
func (s *Service) GetUserByNationalID(ctx context.Context, nationalID string) (*order.User, error) {
	key := fmt.Sprintf(userByNationalIDKey, nationalID)

	var cached order.User
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	u, err := s.api.GetUserByNationalID(ctx, nationalID)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, key, u, s.userTTL)
	return u, nil
}

// RefreshOrders drops all cached order data so the next lookups hit the
// backend. Used after a submission that changes order state.
func (s *Service) RefreshOrders(ctx context.Context) int64 {
	dropped := s.cache.Invalidate(ctx, cachePrefix+"order:*")
	if dropped > 0 {
		s.log.Debugw("Order cache refreshed", "dropped", dropped)
	}
	return dropped
}

// SubmitComplaint files a complaint, enforcing the per-customer daily
// limit. The created ticket is cached for later status questions.
func (s *Service) SubmitComplaint(ctx context.Context, complaint order.Complaint) (*order.Ticket, error) {
	if complaint.NationalID == "" || complaint.Text == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "complaint requires national id and text")
	}

	throttleKey := fmt.Sprintf(complaintThrottleKey, complaint.NationalID)
	count, ok := s.cache.Increment(ctx, throttleKey, 1)
	if ok {
		if count == 1 {
			s.cache.Expire(ctx, throttleKey, throttleWindow)
		}
		if count > s.complaintsPerDay {
			s.log.Infow("Complaint throttled",
				"national_id", complaint.NationalID,
				"count", count,
				"max", s.complaintsPerDay,
			)
			return nil, errors.Wrapf(errors.ErrThrottled, "complaint limit reached: %d per day", s.complaintsPerDay)
		}
	}

	ticket, err := s.api.SubmitComplaint(ctx, complaint)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, fmt.Sprintf(complaintTicketKey, ticket.Number), ticket, ticketTTL)
	s.RefreshOrders(ctx)

	s.log.Infow("Complaint submitted",
		"national_id", complaint.NationalID,
		"ticket", ticket.Number,
	)
	return ticket, nil
}

// SubmitRepairRequest files a repair ticket for a device
func (s *Service) SubmitRepairRequest(ctx context.Context, req order.RepairRequest) (*order.Ticket, error) {
	if req.NationalID == "" || req.SerialNumber == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "repair request requires national id and serial number")
	}

	ticket, err := s.api.SubmitRepairRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, fmt.Sprintf(complaintTicketKey, ticket.Number), ticket, ticketTTL)
	s.RefreshOrders(ctx)

	s.log.Infow("Repair request submitted",
		"national_id", req.NationalID,
		"serial", req.SerialNumber,
		"ticket", ticket.Number,
	)
	return ticket, nil
}
