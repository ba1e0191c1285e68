package coins

import (
	"strconv"
	"strings"

	"github.com/Sternrassler/coin-market-proxy/pkg/cache"
)

// Query defaults, matching what the UI sends when a parameter is omitted.
const (
	DefaultCurrency      = "usd"
	DefaultPerPage       = 50
	DefaultPage          = 1
	DefaultSortDirection = "desc"
	DefaultDays          = "7"

	// MaxPerPage is the largest page size CoinGecko accepts.
	MaxPerPage = 250
)

// Cache key kinds.
const (
	kindMarkets     = "markets"
	kindCoin        = "coin"
	kindMarketChart = "market_chart"
	kindSearch      = "search"
)

// validDays are the history ranges the UI offers ("0.04" is roughly one hour).
var validDays = map[string]struct{}{
	"1": {}, "7": {}, "14": {}, "30": {}, "90": {}, "180": {}, "365": {}, "max": {}, "0.04": {},
}

// ValidDays returns days if it is a supported history range, DefaultDays otherwise.
func ValidDays(days string) string {
	days = strings.TrimSpace(days)
	if _, ok := validDays[days]; ok {
		return days
	}
	return DefaultDays
}

// SortOrder maps a UI sort field and direction to CoinGecko's order
// parameter. Unknown fields yield "" (upstream default ordering).
func SortOrder(field, direction string) string {
	direction = normalizeDirection(direction)

	switch strings.TrimSpace(field) {
	case "price":
		return "price_" + direction
	case "marketCap", "market_cap":
		return "market_cap_" + direction
	case "totalVolume", "total_volume":
		return "volume_" + direction
	default:
		return ""
	}
}

func normalizeDirection(direction string) string {
	if strings.EqualFold(strings.TrimSpace(direction), "asc") {
		return "asc"
	}
	return DefaultSortDirection
}

func normalizeCurrency(currency string) string {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		return DefaultCurrency
	}
	return currency
}

// MarketsQuery describes a markets listing request.
type MarketsQuery struct {
	Currency      string
	PerPage       int
	Page          int
	SearchText    string
	SortField     string
	SortDirection string
}

// Normalize returns a copy with defaults applied, so omitted and explicit
// default values compare (and key) equal.
func (q MarketsQuery) Normalize() MarketsQuery {
	q.Currency = normalizeCurrency(q.Currency)

	switch {
	case q.PerPage <= 0:
		q.PerPage = DefaultPerPage
	case q.PerPage > MaxPerPage:
		q.PerPage = MaxPerPage
	}
	if q.Page <= 0 {
		q.Page = DefaultPage
	}

	q.SearchText = strings.TrimSpace(q.SearchText)
	q.SortField = strings.TrimSpace(q.SortField)
	q.SortDirection = normalizeDirection(q.SortDirection)
	return q
}

// Order returns the upstream order parameter for this query.
func (q MarketsQuery) Order() string {
	return SortOrder(q.SortField, q.SortDirection)
}

// CacheKey returns the key for the normalized query. Two queries whose
// sort fields are both unrecognised share a key, since neither sends an order.
func (q MarketsQuery) CacheKey() cache.CacheKey {
	q = q.Normalize()
	return cache.CacheKey{
		Kind: kindMarkets,
		Params: []cache.Param{
			{Name: "vs_currency", Value: q.Currency},
			{Name: "per_page", Value: strconv.Itoa(q.PerPage)},
			{Name: "page", Value: strconv.Itoa(q.Page)},
			{Name: "query", Value: q.SearchText},
			{Name: "order", Value: q.Order()},
		},
	}
}

// DetailQuery describes a single-coin detail request.
type DetailQuery struct {
	CoinID string
}

// Normalize returns a copy with surrounding whitespace removed.
func (q DetailQuery) Normalize() DetailQuery {
	q.CoinID = strings.TrimSpace(q.CoinID)
	return q
}

// CacheKey returns the key for the normalized query.
func (q DetailQuery) CacheKey() cache.CacheKey {
	q = q.Normalize()
	return cache.CacheKey{
		Kind:   kindCoin,
		Params: []cache.Param{{Name: "id", Value: q.CoinID}},
	}
}

// HistoryQuery describes a price history request.
type HistoryQuery struct {
	CoinID   string
	Currency string
	Days     string
}

// Normalize returns a copy with defaults applied and Days validated.
func (q HistoryQuery) Normalize() HistoryQuery {
	q.CoinID = strings.TrimSpace(q.CoinID)
	q.Currency = normalizeCurrency(q.Currency)
	q.Days = ValidDays(q.Days)
	return q
}

// CacheKey returns the key for the normalized query.
func (q HistoryQuery) CacheKey() cache.CacheKey {
	q = q.Normalize()
	return cache.CacheKey{
		Kind: kindMarketChart,
		Params: []cache.Param{
			{Name: "id", Value: q.CoinID},
			{Name: "vs_currency", Value: q.Currency},
			{Name: "days", Value: q.Days},
		},
	}
}

// SearchQuery describes a free-text coin search.
type SearchQuery struct {
	Text string
}

// Normalize returns a copy with surrounding whitespace removed.
func (q SearchQuery) Normalize() SearchQuery {
	q.Text = strings.TrimSpace(q.Text)
	return q
}

// CacheKey returns the key for the normalized query.
func (q SearchQuery) CacheKey() cache.CacheKey {
	q = q.Normalize()
	return cache.CacheKey{
		Kind:   kindSearch,
		Params: []cache.Param{{Name: "query", Value: q.Text}},
	}
}
