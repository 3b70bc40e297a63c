package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
)

// ParseSeed reads "SKU:QTY[:PRICE]" entries separated by commas, e.g.
// "KOPI-1:40:18000,ROTI-2:12".
func ParseSeed(raw string) ([]domain.StockLevel, error) {
	var levels []domain.StockLevel
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("seed entry %q: want SKU:QTY[:PRICE]", entry)
		}
		sku := strings.ToUpper(strings.TrimSpace(parts[0]))
		if sku == "" {
			return nil, fmt.Errorf("seed entry %q: empty sku", entry)
		}
		qty, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seed entry %q: %w", entry, err)
		}
		level := domain.StockLevel{SKU: sku, Available: qty, Price: money.Zero()}
		if len(parts) == 3 {
			price, err := money.Parse(strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, fmt.Errorf("seed entry %q: %w", entry, err)
			}
			level.Price = price
		}
		levels = append(levels, level)
	}
	return levels, nil
}
