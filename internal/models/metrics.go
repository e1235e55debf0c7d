package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricValues are the network counters shared by current_metrics and daily_snapshots.
type MetricValues struct {
	TotalCPUCores             int64   `json:"total_cpu_cores" db:"total_cpu_cores" gorm:"column:total_cpu_cores;default:0"`
	UsedCPUCores              int64   `json:"used_cpu_cores" db:"used_cpu_cores" gorm:"column:used_cpu_cores;default:0"`
	CPUUtilizationPercent     float64 `json:"cpu_utilization_percent" db:"cpu_utilization_percent" gorm:"column:cpu_utilization_percent;default:0"`
	TotalRAMGB                float64 `json:"total_ram_gb" db:"total_ram_gb" gorm:"column:total_ram_gb;default:0"`
	UsedRAMGB                 float64 `json:"used_ram_gb" db:"used_ram_gb" gorm:"column:used_ram_gb;default:0"`
	RAMUtilizationPercent     float64 `json:"ram_utilization_percent" db:"ram_utilization_percent" gorm:"column:ram_utilization_percent;default:0"`
	TotalStorageGB            float64 `json:"total_storage_gb" db:"total_storage_gb" gorm:"column:total_storage_gb;default:0"`
	UsedStorageGB             float64 `json:"used_storage_gb" db:"used_storage_gb" gorm:"column:used_storage_gb;default:0"`
	StorageUtilizationPercent float64 `json:"storage_utilization_percent" db:"storage_utilization_percent" gorm:"column:storage_utilization_percent;default:0"`

	TotalApps       int64 `json:"total_apps" db:"total_apps" gorm:"column:total_apps;default:0"`
	WatchtowerCount int64 `json:"watchtower_count" db:"watchtower_count" gorm:"column:watchtower_count;default:0"`

	GamingAppsTotal  int64 `json:"gaming_apps_total" db:"gaming_apps_total" gorm:"column:gaming_apps_total;default:0"`
	GamingPalworld   int64 `json:"gaming_palworld" db:"gaming_palworld" gorm:"column:gaming_palworld;default:0"`
	GamingEnshrouded int64 `json:"gaming_enshrouded" db:"gaming_enshrouded" gorm:"column:gaming_enshrouded;default:0"`
	GamingMinecraft  int64 `json:"gaming_minecraft" db:"gaming_minecraft" gorm:"column:gaming_minecraft;default:0"`

	CryptoPresearch      int64 `json:"crypto_presearch" db:"crypto_presearch" gorm:"column:crypto_presearch;default:0"`
	CryptoStreamr        int64 `json:"crypto_streamr" db:"crypto_streamr" gorm:"column:crypto_streamr;default:0"`
	CryptoRavencoin      int64 `json:"crypto_ravencoin" db:"crypto_ravencoin" gorm:"column:crypto_ravencoin;default:0"`
	CryptoKadena         int64 `json:"crypto_kadena" db:"crypto_kadena" gorm:"column:crypto_kadena;default:0"`
	CryptoAlephium       int64 `json:"crypto_alephium" db:"crypto_alephium" gorm:"column:crypto_alephium;default:0"`
	CryptoBittensor      int64 `json:"crypto_bittensor" db:"crypto_bittensor" gorm:"column:crypto_bittensor;default:0"`
	CryptoTimpiCollector int64 `json:"crypto_timpi_collector" db:"crypto_timpi_collector" gorm:"column:crypto_timpi_collector;default:0"`
	CryptoTimpiGeocore   int64 `json:"crypto_timpi_geocore" db:"crypto_timpi_geocore" gorm:"column:crypto_timpi_geocore;default:0"`
	CryptoKaspa          int64 `json:"crypto_kaspa" db:"crypto_kaspa" gorm:"column:crypto_kaspa;default:0"`
	CryptoNodesTotal     int64 `json:"crypto_nodes_total" db:"crypto_nodes_total" gorm:"column:crypto_nodes_total;default:0"`

	WordPressCount int64 `json:"wordpress_count" db:"wordpress_count" gorm:"column:wordpress_count;default:0"`

	NodeCumulus int64 `json:"node_cumulus" db:"node_cumulus" gorm:"column:node_cumulus;default:0"`
	NodeNimbus  int64 `json:"node_nimbus" db:"node_nimbus" gorm:"column:node_nimbus;default:0"`
	NodeStratus int64 `json:"node_stratus" db:"node_stratus" gorm:"column:node_stratus;default:0"`
	NodeTotal   int64 `json:"node_total" db:"node_total" gorm:"column:node_total;default:0"`
}

// KeyMetricsNonZero counts how many of the plausibility metrics are positive.
func (m MetricValues) KeyMetricsNonZero() int {
	n := 0
	for _, positive := range []bool{
		m.NodeTotal > 0,
		m.TotalApps > 0,
		m.TotalCPUCores > 0,
		m.TotalRAMGB > 0,
		m.TotalStorageGB > 0,
	} {
		if positive {
			n++
		}
	}
	return n
}

// CurrentMetrics is the single live row (id = 1) of current_metrics.
type CurrentMetrics struct {
	MetricValues
	CurrentRevenue decimal.Decimal     `json:"current_revenue"`
	FluxPriceUSD   decimal.NullDecimal `json:"flux_price_usd"`
	LastUpdate     time.Time           `json:"last_update"`
}

// MetricsPatch carries a partial update of current_metrics; nil fields keep their stored value.
// Revenue and price belong to the sync engine and are not accepted from JSON.
type MetricsPatch struct {
	CurrentRevenue *decimal.Decimal `json:"-"`
	FluxPriceUSD   *decimal.Decimal `json:"-"`

	TotalCPUCores             *int64   `json:"total_cpu_cores,omitempty" validate:"omitempty,gte=0"`
	UsedCPUCores              *int64   `json:"used_cpu_cores,omitempty" validate:"omitempty,gte=0"`
	CPUUtilizationPercent     *float64 `json:"cpu_utilization_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	TotalRAMGB                *float64 `json:"total_ram_gb,omitempty" validate:"omitempty,gte=0"`
	UsedRAMGB                 *float64 `json:"used_ram_gb,omitempty" validate:"omitempty,gte=0"`
	RAMUtilizationPercent     *float64 `json:"ram_utilization_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	TotalStorageGB            *float64 `json:"total_storage_gb,omitempty" validate:"omitempty,gte=0"`
	UsedStorageGB             *float64 `json:"used_storage_gb,omitempty" validate:"omitempty,gte=0"`
	StorageUtilizationPercent *float64 `json:"storage_utilization_percent,omitempty" validate:"omitempty,gte=0,lte=100"`

	TotalApps       *int64 `json:"total_apps,omitempty" validate:"omitempty,gte=0"`
	WatchtowerCount *int64 `json:"watchtower_count,omitempty" validate:"omitempty,gte=0"`

	GamingAppsTotal  *int64 `json:"gaming_apps_total,omitempty" validate:"omitempty,gte=0"`
	GamingPalworld   *int64 `json:"gaming_palworld,omitempty" validate:"omitempty,gte=0"`
	GamingEnshrouded *int64 `json:"gaming_enshrouded,omitempty" validate:"omitempty,gte=0"`
	GamingMinecraft  *int64 `json:"gaming_minecraft,omitempty" validate:"omitempty,gte=0"`

	CryptoPresearch      *int64 `json:"crypto_presearch,omitempty" validate:"omitempty,gte=0"`
	CryptoStreamr        *int64 `json:"crypto_streamr,omitempty" validate:"omitempty,gte=0"`
	CryptoRavencoin      *int64 `json:"crypto_ravencoin,omitempty" validate:"omitempty,gte=0"`
	CryptoKadena         *int64 `json:"crypto_kadena,omitempty" validate:"omitempty,gte=0"`
	CryptoAlephium       *int64 `json:"crypto_alephium,omitempty" validate:"omitempty,gte=0"`
	CryptoBittensor      *int64 `json:"crypto_bittensor,omitempty" validate:"omitempty,gte=0"`
	CryptoTimpiCollector *int64 `json:"crypto_timpi_collector,omitempty" validate:"omitempty,gte=0"`
	CryptoTimpiGeocore   *int64 `json:"crypto_timpi_geocore,omitempty" validate:"omitempty,gte=0"`
	CryptoKaspa          *int64 `json:"crypto_kaspa,omitempty" validate:"omitempty,gte=0"`
	CryptoNodesTotal     *int64 `json:"crypto_nodes_total,omitempty" validate:"omitempty,gte=0"`

	WordPressCount *int64 `json:"wordpress_count,omitempty" validate:"omitempty,gte=0"`

	NodeCumulus *int64 `json:"node_cumulus,omitempty" validate:"omitempty,gte=0"`
	NodeNimbus  *int64 `json:"node_nimbus,omitempty" validate:"omitempty,gte=0"`
	NodeStratus *int64 `json:"node_stratus,omitempty" validate:"omitempty,gte=0"`
	NodeTotal   *int64 `json:"node_total,omitempty" validate:"omitempty,gte=0"`
}

// Apply merges the non-nil fields of p into m and stamps LastUpdate.
func (p MetricsPatch) Apply(m *CurrentMetrics, now time.Time) {
	if p.CurrentRevenue != nil {
		m.CurrentRevenue = *p.CurrentRevenue
	}
	if p.FluxPriceUSD != nil {
		m.FluxPriceUSD = decimal.NewNullDecimal(*p.FluxPriceUSD)
	}

	setInt(&m.TotalCPUCores, p.TotalCPUCores)
	setInt(&m.UsedCPUCores, p.UsedCPUCores)
	setFloat(&m.CPUUtilizationPercent, p.CPUUtilizationPercent)
	setFloat(&m.TotalRAMGB, p.TotalRAMGB)
	setFloat(&m.UsedRAMGB, p.UsedRAMGB)
	setFloat(&m.RAMUtilizationPercent, p.RAMUtilizationPercent)
	setFloat(&m.TotalStorageGB, p.TotalStorageGB)
	setFloat(&m.UsedStorageGB, p.UsedStorageGB)
	setFloat(&m.StorageUtilizationPercent, p.StorageUtilizationPercent)

	setInt(&m.TotalApps, p.TotalApps)
	setInt(&m.WatchtowerCount, p.WatchtowerCount)

	setInt(&m.GamingAppsTotal, p.GamingAppsTotal)
	setInt(&m.GamingPalworld, p.GamingPalworld)
	setInt(&m.GamingEnshrouded, p.GamingEnshrouded)
	setInt(&m.GamingMinecraft, p.GamingMinecraft)

	setInt(&m.CryptoPresearch, p.CryptoPresearch)
	setInt(&m.CryptoStreamr, p.CryptoStreamr)
	setInt(&m.CryptoRavencoin, p.CryptoRavencoin)
	setInt(&m.CryptoKadena, p.CryptoKadena)
	setInt(&m.CryptoAlephium, p.CryptoAlephium)
	setInt(&m.CryptoBittensor, p.CryptoBittensor)
	setInt(&m.CryptoTimpiCollector, p.CryptoTimpiCollector)
	setInt(&m.CryptoTimpiGeocore, p.CryptoTimpiGeocore)
	setInt(&m.CryptoKaspa, p.CryptoKaspa)
	setInt(&m.CryptoNodesTotal, p.CryptoNodesTotal)

	setInt(&m.WordPressCount, p.WordPressCount)

	setInt(&m.NodeCumulus, p.NodeCumulus)
	setInt(&m.NodeNimbus, p.NodeNimbus)
	setInt(&m.NodeStratus, p.NodeStratus)
	setInt(&m.NodeTotal, p.NodeTotal)

	m.LastUpdate = now
}

func setInt(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
