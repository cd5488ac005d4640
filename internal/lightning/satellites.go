package lightning

import "rastermill/internal/types"

// Satellite identifies the geostationary lightning mapper platform serving
// a given date.
type Satellite string

const (
	SatGOES16 Satellite = "goes16"
	SatGOES17 Satellite = "goes17"
	SatGOES18 Satellite = "goes18"
)

// cutover pairs the first date a satellite serves with its identifier.
type cutover struct {
	effectiveFrom types.Day
	satellite     Satellite
}

// cutovers is the ordered provider-selection table, ascending by date.
// Selection is a single lookup, never scattered conditionals.
var cutovers = []cutover{
	{types.NewDay(2018, 1, 1), SatGOES16},
	{types.NewDay(2019, 2, 12), SatGOES17},
	{types.NewDay(2023, 1, 4), SatGOES18},
}

// SatelliteFor resolves which satellite's sample files to download for a
// date: the latest table entry whose effective date is not after it.
// Dates before the first entry report ok=false; there is no lightning data
// to fetch for them.
func SatelliteFor(date types.Day) (Satellite, bool) {
	var sat Satellite
	found := false
	for _, c := range cutovers {
		if date.Before(c.effectiveFrom) {
			break
		}
		sat = c.satellite
		found = true
	}
	return sat, found
}
