package geo

// Bounds an axis aligned lat / lon box
type Bounds struct {
	SouthWest Position `json:"south_west"`
	NorthEast Position `json:"north_east"`
}

// BoundsOf the smallest box holding all the positions. ok is false when positions is empty.
func BoundsOf(positions []Position) (bounds Bounds, ok bool) {
	if len(positions) == 0 {
		return Bounds{}, false
	}
	bounds = Bounds{SouthWest: positions[0], NorthEast: positions[0]}
	for _, p := range positions[1:] {
		bounds = bounds.Extend(p)
	}
	return bounds, true
}

// Extend grow the box to hold the position
func (b Bounds) Extend(p Position) Bounds {
	if p.Latitude < b.SouthWest.Latitude {
		b.SouthWest.Latitude = p.Latitude
	}
	if p.Longitude < b.SouthWest.Longitude {
		b.SouthWest.Longitude = p.Longitude
	}
	if p.Latitude > b.NorthEast.Latitude {
		b.NorthEast.Latitude = p.Latitude
	}
	if p.Longitude > b.NorthEast.Longitude {
		b.NorthEast.Longitude = p.Longitude
	}
	return b
}

// Contains whether the position is inside the box, edges included
func (b Bounds) Contains(p Position) bool {
	return p.Latitude >= b.SouthWest.Latitude && p.Latitude <= b.NorthEast.Latitude &&
		p.Longitude >= b.SouthWest.Longitude && p.Longitude <= b.NorthEast.Longitude
}

// Center the mid point of the box
func (b Bounds) Center() Position {
	return Lerp(b.SouthWest, b.NorthEast, 0.5)
}

// Span the latitude and longitude extent of the box
func (b Bounds) Span() (latSpan float64, lonSpan float64) {
	return b.NorthEast.Latitude - b.SouthWest.Latitude,
		b.NorthEast.Longitude - b.SouthWest.Longitude
}
