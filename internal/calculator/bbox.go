package calculator

// BoundingBox defines the corners of a lat/lon box
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// BoxAround returns a box extending delta degrees in each direction from c.
// The same delta is applied to longitude regardless of latitude, so the box
// is wider in meters east-west near the equator than near the poles.
func BoxAround(c Coordinate, delta float64) BoundingBox {
	return BoundingBox{
		MinLat: c.Latitude - delta,
		MaxLat: c.Latitude + delta,
		MinLon: c.Longitude - delta,
		MaxLon: c.Longitude + delta,
	}
}

// Contains checks whether the given coordinate is within the bounding box
func (b BoundingBox) Contains(c Coordinate) bool {
	return c.Latitude >= b.MinLat && c.Latitude <= b.MaxLat &&
		c.Longitude >= b.MinLon && c.Longitude <= b.MaxLon
}
