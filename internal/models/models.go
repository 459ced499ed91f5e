package models

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RawRecord is a school row as the loader read it. Every field is kept as
// text; coercion happens in the dataset preparer.
type RawRecord struct {
	ID       string
	Name     string
	Category string
	Index    string
	Lat      string
	Lon      string
	Address  string
	Row      int // 1-based position in the source, header excluded
}

// Entity is a school that passed preparation and can be compared.
type Entity struct {
	ID       string
	Name     string
	Category string
	Index    int
	Loc      Coordinate
	Address  string
}

// EntitySummary is the per-school half of a match as it is written out.
type EntitySummary struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Category string  `json:"category"`
	Index    int     `json:"index"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Address  string  `json:"address,omitempty"`
}

// MatchRecord is one school pair that passed the distance and difference filters.
// A is always the school at the lower dataset position.
type MatchRecord struct {
	A          EntitySummary `json:"school_1"`
	B          EntitySummary `json:"school_2"`
	Difference int           `json:"difference"`
	DistanceKm float64       `json:"distance_km"`
	Gradient   float64       `json:"gradient"`

	// EffectiveKm is the unrounded distance after the zero floor; used for bucketing.
	EffectiveKm float64 `json:"-"`
}

type Summary struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

type Stats struct {
	Count      int     `json:"count"`
	DistanceKm Summary `json:"distance_km"`
	Difference Summary `json:"difference"`
	Gradient   Summary `json:"gradient"`
}

// DistanceRange is a half-open (Lo, Hi] band in kilometers.
type DistanceRange struct {
	Lo float64 `json:"lo_km"`
	Hi float64 `json:"hi_km"`
}

func (r DistanceRange) Contains(km float64) bool {
	return km > r.Lo && km <= r.Hi
}

type Partition struct {
	Name    string         `json:"name"`
	Group   string         `json:"group"`
	Range   *DistanceRange `json:"range,omitempty"`
	Matches []MatchRecord  `json:"-"`
	Stats   Stats          `json:"stats"`
}

// Exclusion records a school dropped by the data-quality gate.
type Exclusion struct {
	ID     string `json:"id"`
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// GroupReport carries the counts of one category group's run.
type GroupReport struct {
	Name              string `json:"name"`
	Entities          int    `json:"entities"`
	Skipped           int    `json:"skipped"`
	Excluded          int    `json:"excluded"`
	PairsVisited      int64  `json:"pairs_visited"`
	PairsWithinCutoff int64  `json:"pairs_within_cutoff"`
	Matches           int    `json:"matches"`
	Unbucketed        int    `json:"unbucketed"`
}

// Report is the result of one analysis run. It is written as summary.json.
type Report struct {
	Mode       string        `json:"mode"`
	Records    int           `json:"records"`
	Groups     []GroupReport `json:"groups"`
	Partitions []Partition   `json:"partitions"`
	Excluded   []Exclusion   `json:"excluded"`
}

// TotalMatches sums the matches of every group.
func (r *Report) TotalMatches() int {
	n := 0
	for _, g := range r.Groups {
		n += g.Matches
	}
	return n
}
