package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"storefront-checkout/config"
	"storefront-checkout/internal/models"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type seedVariant struct {
	sku    string
	option models.VariantOption
	price  string
	stock  int
}

type seedProduct struct {
	name     string
	taxRate  int64
	variants []seedVariant
}

var catalogue = []seedProduct{
	{
		name:    "Filtre Kahve Etiyopya",
		taxRate: 10,
		variants: []seedVariant{
			{"KHV-ETY-250", models.WeightOption{Grams: 250}, "180.00", 120},
			{"KHV-ETY-1000", models.WeightOption{Grams: 1000}, "620.00", 40},
		},
	},
	{
		name:    "Pamuklu Tişört",
		taxRate: 20,
		variants: []seedVariant{
			{"TSR-S", models.SizeOption{Size: "S"}, "249.90", 25},
			{"TSR-M", models.SizeOption{Size: "M"}, "249.90", 30},
			{"TSR-L", models.SizeOption{Size: "L"}, "249.90", 10},
		},
	},
	{
		name:    "Seramik Kupa",
		taxRate: 20,
		variants: []seedVariant{
			{"KUP-LACIVERT", models.ColorOption{Name: "Lacivert", Hex: "#1B2A4A"}, "149.50", 60},
			{"KUP-KIREMIT", models.ColorOption{Name: "Kiremit", Hex: "#B5523B"}, "149.50", 0},
		},
	},
}

// Seeds a demo catalogue and discount codes. Safe to run more than once.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	ctx := context.Background()

	existing, err := db.ListVariants(ctx)
	if err != nil {
		logger.Fatal("Failed to list variants", zap.Error(err))
	}
	var coffeeID string
	if len(existing) > 0 {
		logger.Info("Catalogue already seeded", zap.Int("variants", len(existing)))
	} else {
		for _, sp := range catalogue {
			p := &models.Product{Name: sp.name, TaxRate: decimal.NewFromInt(sp.taxRate), Published: true}
			if err := db.CreateProduct(ctx, p); err != nil {
				logger.Fatal("Failed to create product", zap.String("name", sp.name), zap.Error(err))
			}
			if coffeeID == "" {
				coffeeID = p.ID
			}
			for _, sv := range sp.variants {
				v := &models.Variant{
					ProductID: p.ID,
					SKU:       sv.sku,
					Option:    models.OptionColumn{Option: sv.option},
					Price:     decimal.RequireFromString(sv.price),
					Stock:     sv.stock,
					Published: true,
				}
				if err := db.CreateVariant(ctx, v); err != nil {
					logger.Fatal("Failed to create variant", zap.String("sku", sv.sku), zap.Error(err))
				}
				logger.Info("Variant created", zap.String("sku", v.SKU), zap.String("id", v.ID))
			}
		}
	}

	now := time.Now().UTC()
	codes := []*models.DiscountCode{
		{
			Code:           "HOSGELDIN10",
			DiscountType:   models.DiscountTypePercentage,
			DiscountAmount: decimal.NewFromInt(10),
		},
		{
			Code:           "KAHVE50",
			DiscountType:   models.DiscountTypeFixed,
			DiscountAmount: decimal.NewFromInt(50),
			UsageLimit:     sql.NullInt64{Int64: 100, Valid: true},
			EndsAt:         sql.NullTime{Time: now.AddDate(0, 3, 0), Valid: true},
		},
	}
	if coffeeID != "" {
		codes[1].ProductIDs = []string{coffeeID}
	}
	for _, dc := range codes {
		err := db.CreateDiscountCode(ctx, dc)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			logger.Info("Discount code exists", zap.String("code", dc.Code))
		case err != nil:
			logger.Fatal("Failed to create discount code", zap.String("code", dc.Code), zap.Error(err))
		default:
			logger.Info("Discount code created", zap.String("code", dc.Code))
		}
	}
}
