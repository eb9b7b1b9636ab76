package models

// Bucket is a discretized vegetation-health category.
type Bucket string

// Buckets in ascending health order.
const (
	BucketVeryLow Bucket = "Very Low"
	BucketLow     Bucket = "Low"
	BucketMedium  Bucket = "Medium"
	BucketHigh    Bucket = "High"
)

// DefaultBucket is shown for a paddock with no observation on the selected
// date. It is a display default, not a measurement.
const DefaultBucket = BucketLow

// NDVI thresholds used by the backend to label observations.
const (
	veryLowBelow = 0.2
	lowBelow     = 0.35
	mediumBelow  = 0.5
)

var bucketColors = map[Bucket]string{
	BucketVeryLow: "#8b0000",
	BucketLow:     "#dd6b20",
	BucketMedium:  "#c7a323",
	BucketHigh:    "#2f855a",
}

// Buckets returns the enumeration in ascending order.
func Buckets() []Bucket {
	return []Bucket{BucketVeryLow, BucketLow, BucketMedium, BucketHigh}
}

// Valid reports whether b is one of the four known buckets.
func (b Bucket) Valid() bool {
	_, ok := bucketColors[b]
	return ok
}

// ColorFor returns the display color for a bucket. Unknown buckets get the
// default bucket's color.
func ColorFor(b Bucket) string {
	if color, ok := bucketColors[b]; ok {
		return color
	}
	return bucketColors[DefaultBucket]
}

// BucketForNDVI labels a mean NDVI value the same way the backend does.
func BucketForNDVI(value float64) Bucket {
	switch {
	case value < veryLowBelow:
		return BucketVeryLow
	case value < lowBelow:
		return BucketLow
	case value < mediumBelow:
		return BucketMedium
	default:
		return BucketHigh
	}
}

// Classification is the classifier output for one paddock.
// Measured is false when the bucket is the display default.
type Classification struct {
	Bucket   Bucket `json:"bucket"`
	Color    string `json:"fill"`
	Measured bool   `json:"measured"`
}

// Classify maps an optional observation to its bucket and color.
// A nil observation yields DefaultBucket. An observation without a label is
// bucketed from its NDVI mean, or gets DefaultBucket when that is missing too.
func Classify(obs *Observation) Classification {
	if obs == nil {
		return Classification{
			Bucket: DefaultBucket,
			Color:  ColorFor(DefaultBucket),
		}
	}

	bucket := obs.Bucket
	if bucket == "" {
		bucket = DefaultBucket
		if obs.NDVIMean != nil {
			bucket = BucketForNDVI(*obs.NDVIMean)
		}
	}

	return Classification{
		Bucket:   bucket,
		Color:    ColorFor(bucket),
		Measured: true,
	}
}
