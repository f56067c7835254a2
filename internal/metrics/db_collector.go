package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a snapshot of the database connection pool.
type PoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32
}

// DBPoolStatFunc returns pool statistics without this package importing
// pgxpool.
type DBPoolStatFunc func() PoolStats

// dbPoolCollector exposes live pool stats as gauges, read fresh on every
// scrape.
type dbPoolCollector struct {
	statFunc DBPoolStatFunc
	descs    map[string]*prometheus.Desc
}

// NewDBPoolCollector creates a collector over the given stat source.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}
	return &dbPoolCollector{
		statFunc: statFunc,
		descs: map[string]*prometheus.Desc{
			"total":    mk("tally_db_pool_total_conns", "Total number of connections in the DB pool."),
			"idle":     mk("tally_db_pool_idle_conns", "Number of idle connections in the DB pool."),
			"acquired": mk("tally_db_pool_acquired_conns", "Number of acquired connections in the DB pool."),
			"max":      mk("tally_db_pool_max_conns", "Configured maximum size of the DB pool."),
		},
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.statFunc()
	gauge := func(key string, v int32) {
		ch <- prometheus.MustNewConstMetric(c.descs[key], prometheus.GaugeValue, float64(v))
	}
	gauge("total", st.Total)
	gauge("idle", st.Idle)
	gauge("acquired", st.Acquired)
	gauge("max", st.Max)
}
