package grid

import (
	"fmt"
	"math"

	"rastermill/internal/types"
)

const (
	// earthRadiusKm is the mean Earth radius used for great-circle math.
	earthRadiusKm = 6371.0

	degToRad = math.Pi / 180.0
)

// HaversineKm returns the great-circle distance in kilometers between two
// points. Area triggers use great-circle distance rather than planar
// lat/lon distance; planar selection distorts badly away from the equator.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// PixelAreaKm2 returns the geographic area of one grid cell centered at the
// given latitude for a fixed-degree grid. Cell width shrinks with the cosine
// of latitude under the geographic projection, so per-pixel counts must be
// divided by this area before they are comparable across rows.
func PixelAreaKm2(lat, dLatDeg, dLonDeg float64) float64 {
	heightKm := math.Abs(dLatDeg) * degToRad * earthRadiusKm
	widthKm := math.Abs(dLonDeg) * degToRad * earthRadiusKm * math.Cos(lat*degToRad)
	return heightKm * widthKm
}

// ValidateLatLon checks that a coordinate pair is inside WGS84 bounds.
func ValidateLatLon(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return errOutOfRange("latitude", lat, -90, 90)
	}
	if lon < -180 || lon > 180 {
		return errOutOfRange("longitude", lon, -180, 180)
	}
	return nil
}

func errOutOfRange(name string, v, lo, hi float64) *types.AppError {
	code := types.ErrCodeValidationInvalidLat
	if name == "longitude" {
		code = types.ErrCodeValidationInvalidLon
	}
	return types.NewAppError(code, fmt.Sprintf("%s %g out of range [%g, %g]", name, v, lo, hi), nil)
}
