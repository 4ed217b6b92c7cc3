package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// SaleID returns "venda-<unix ms>-<8 hex>", the prefix shared by every item
// transaction of one checkout.
func SaleID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("venda-%d-%s", at.UnixMilli(), suffix)
}

func SaleItemID(saleID string, index int) string {
	return fmt.Sprintf("%s-item-%d", saleID, index)
}
