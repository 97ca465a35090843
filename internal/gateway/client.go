package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// CourierHeader carries the courier identity established by the identity
// provider in front of the backend.
const CourierHeader = "X-Courier-ID"

// Client talks to the backend REST API under /api.
type Client struct {
	BaseURL   string
	CourierID string
	Token     string
	Timeout   time.Duration
	HTTP      *http.Client
}

func NewClient(baseURL, courierID, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		CourierID: courierID,
		Token:     token,
		Timeout:   timeout,
		HTTP:      &http.Client{},
	}
}

var _ Gateway = (*Client)(nil)

func (c *Client) GetCourier(ctx context.Context) (models.Courier, error) {
	var out models.Courier
	err := c.do(ctx, "get_courier", http.MethodGet, "/api/courier/self", nil, &out)
	return out, err
}

func (c *Client) UpdateCourier(ctx context.Context, upd models.CourierUpdate) (models.Courier, error) {
	var out models.Courier
	err := c.do(ctx, "update_courier", http.MethodPut, "/api/courier/self", upd, &out)
	return out, err
}

func (c *Client) ListOffers(ctx context.Context) ([]models.Offer, error) {
	var out []models.Offer
	path := "/api/notifications?courierId=" + url.QueryEscape(c.CourierID)
	err := c.do(ctx, "list_offers", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) ResolveOffer(ctx context.Context, offerID string, status models.OfferStatus) error {
	return c.do(ctx, "resolve_offer", http.MethodPut, "/api/notification", OfferResolution{ID: offerID, Status: status}, nil)
}

func (c *Client) CreateRide(ctx context.Context, rec models.RideRecord) (models.RideRecord, error) {
	var out models.RideRecord
	err := c.do(ctx, "create_ride", http.MethodPost, "/api/ride", rec, &out)
	return out, err
}

func (c *Client) UpdateRide(ctx context.Context, upd models.RideUpdate) error {
	return c.do(ctx, "update_ride", http.MethodPut, "/api/ride", upd, nil)
}

func (c *Client) GetRide(ctx context.Context, rideID string) (models.RideRecord, error) {
	var out models.RideRecord
	err := c.do(ctx, "get_ride", http.MethodGet, "/api/ride/"+url.PathEscape(rideID), nil, &out)
	return out, err
}

func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	return c.do(ctx, "update_order_status", http.MethodPut, "/api/order/status", OrderStatusUpdate{ID: orderID, Status: status}, nil)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	var out models.Order
	err := c.do(ctx, "get_order", http.MethodGet, "/api/order/"+url.PathEscape(orderID), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(CourierHeader, c.CourierID)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		// timeouts and connection failures are both retryable
		return fmt.Errorf("%s: %w: %v", op, ErrNetworkTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
