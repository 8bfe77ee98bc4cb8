// Package orders provides a read-only, YAML-seeded implementation of
// contracts.OrderAccess.
package orders

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/models"
)

//go:embed orders.yaml
var defaultCatalog []byte

type seedOrder struct {
	models.Order     `yaml:",inline"`
	CreatedDaysAgo   int  `yaml:"created_days_ago"`
	DeliveredDaysAgo *int `yaml:"delivered_days_ago"`
}

type seedFile struct {
	Orders []seedOrder `yaml:"orders"`
}

// Catalog serves orders from memory. Orders owned by another user are
// reported as not found.
type Catalog struct {
	orders map[string]*models.Order
}

// NewCatalog builds a catalog from already-materialised orders.
func NewCatalog(orders []models.Order) *Catalog {
	c := &Catalog{orders: make(map[string]*models.Order, len(orders))}
	for i := range orders {
		o := orders[i]
		if o.Logistics != nil {
			o.Logistics.OrderID = o.ID
		}
		c.orders[o.ID] = &o
	}
	return c
}

// Load reads a seed file (the embedded demo catalog when path is empty) and
// resolves relative day offsets against now.
func Load(path string, now time.Time) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read order seed: %w", err)
		}
		data = b
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse order seed: %w", err)
	}
	day := 24 * time.Hour
	orders := make([]models.Order, 0, len(seed.Orders))
	for _, s := range seed.Orders {
		o := s.Order
		o.CreatedAt = now.Add(-time.Duration(s.CreatedDaysAgo) * day).UTC()
		if s.DeliveredDaysAgo != nil {
			d := now.Add(-time.Duration(*s.DeliveredDaysAgo) * day).UTC()
			o.DeliveredAt = &d
		}
		if o.Currency == "" {
			o.Currency = "CNY"
		}
		orders = append(orders, o)
	}
	log.Info().Int("orders", len(orders)).Str("source", sourceName(path)).Msg("Order catalog loaded")
	return NewCatalog(orders), nil
}

func (c *Catalog) GetOrder(ctx context.Context, orderID, userID string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, ok := c.orders[strings.ToUpper(strings.TrimSpace(orderID))]
	if !ok || (userID != "" && o.UserID != userID) {
		return nil, &store.ErrNotFound{Entity: "order", Key: orderID}
	}
	cp := *o
	return &cp, nil
}

func (c *Catalog) GetLogistics(ctx context.Context, orderID, userID string) (*models.Logistics, error) {
	o, err := c.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if o.Logistics == nil {
		return nil, &store.ErrNotFound{Entity: "logistics", Key: orderID}
	}
	cp := *o.Logistics
	return &cp, nil
}

// SearchOrders lists the user's orders newest first. A non-empty keyword
// matches order id, status, or any item name.
func (c *Catalog) SearchOrders(ctx context.Context, userID, keyword string) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kw := strings.ToLower(strings.TrimSpace(keyword))
	result := make([]models.Order, 0)
	for _, o := range c.orders {
		if userID != "" && o.UserID != userID {
			continue
		}
		if kw != "" && !matches(o, kw) {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func matches(o *models.Order, kw string) bool {
	if strings.Contains(strings.ToLower(o.ID), kw) ||
		strings.Contains(strings.ToLower(o.Status), kw) ||
		strings.Contains(strings.ToLower(o.ShippingStatus), kw) {
		return true
	}
	for _, it := range o.Items {
		if strings.Contains(strings.ToLower(it.Name), kw) || strings.Contains(strings.ToLower(it.SKU), kw) {
			return true
		}
	}
	return false
}

func sourceName(path string) string {
	if path == "" {
		return "embedded"
	}
	return path
}
