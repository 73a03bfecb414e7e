package rediskey

import "fmt"

// Campaign keys (global convention across services)
const (
	CampaignAvailabilityPrefix = "campaign:availability"
	ExchangeRatePrefix         = "exchange:rate"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildAvailabilityKey returns "campaign:availability:{campaignID}"
func BuildAvailabilityKey(campaignID string) string {
	return NamespaceKey(CampaignAvailabilityPrefix, campaignID)
}

// BuildExchangeRateKey returns "exchange:rate:{pair}", e.g. "exchange:rate:USD-CDF"
func BuildExchangeRateKey(pair string) string {
	return NamespaceKey(ExchangeRatePrefix, pair)
}
