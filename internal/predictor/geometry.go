package predictor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxGeometryBytes is the default cap on an uploaded mesh file (§4.3, §6
// config "maximum geometry size", default 50 MB).
const MaxGeometryBytes = 50 * 1024 * 1024

// GeometryFeatures are the invariant outputs of 3D mesh feature extraction
// (§4.3 "Geometry feature extraction invariants"). The parser itself (full
// STL/OBJ/3MF support) is feature-engineering code the spec specifies only
// at the contract level; ExtractGeometry below implements the invariants
// against binary STL, the simplest of the three formats, and is the
// extension point a fuller parser would replace.
type GeometryFeatures struct {
	VolumeMm3          float64
	SurfaceAreaMm2     float64
	BoundingWidthMm    float64
	BoundingDepthMm    float64
	BoundingHeightMm   float64
	LayerCount         int
	SupportPercent     float64
	ComplexityScore    float64
}

const (
	stlHeaderBytes    = 80
	stlTriangleBytes  = 50 // 12 floats (normal+3 vertices) + 2-byte attribute count
	stlFloatsPerTri   = 12
)

// ExtractGeometry computes GeometryFeatures from binary STL bytes, enforcing
// the size cap and structural-validity invariants (§4.3).
func ExtractGeometry(data []byte, layerHeightMm, infillPercent float64) (GeometryFeatures, error) {
	if len(data) == 0 {
		return GeometryFeatures{}, fmt.Errorf("%w: empty input", ErrMalformedGeometry)
	}

	if len(data) > MaxGeometryBytes {
		return GeometryFeatures{}, fmt.Errorf("%w: %d bytes exceeds cap of %d",
			ErrInputTooLarge, len(data), MaxGeometryBytes)
	}

	if len(data) < stlHeaderBytes+4 {
		return GeometryFeatures{}, fmt.Errorf("%w: shorter than a binary STL header", ErrMalformedGeometry)
	}

	triangleCount := binary.LittleEndian.Uint32(data[stlHeaderBytes : stlHeaderBytes+4])

	expectedLen := stlHeaderBytes + 4 + int(triangleCount)*stlTriangleBytes
	if expectedLen != len(data) {
		return GeometryFeatures{}, fmt.Errorf(
			"%w: triangle count %d implies %d bytes, got %d",
			ErrMalformedGeometry, triangleCount, expectedLen, len(data))
	}

	if triangleCount == 0 {
		return GeometryFeatures{}, fmt.Errorf("%w: zero triangles", ErrMalformedGeometry)
	}

	var (
		volume      float64
		surfaceArea float64
	)

	minX, minY, minZ := math.MaxFloat64, math.MaxFloat64, math.MaxFloat64
	maxX, maxY, maxZ := -math.MaxFloat64, -math.MaxFloat64, -math.MaxFloat64

	offset := stlHeaderBytes + 4

	for i := uint32(0); i < triangleCount; i++ {
		tri := data[offset : offset+stlTriangleBytes]
		offset += stlTriangleBytes

		var coords [stlFloatsPerTri]float64
		for f := 0; f < stlFloatsPerTri; f++ {
			bits := binary.LittleEndian.Uint32(tri[f*4 : f*4+4])
			coords[f] = float64(math.Float32frombits(bits))
		}

		v1 := [3]float64{coords[3], coords[4], coords[5]}
		v2 := [3]float64{coords[6], coords[7], coords[8]}
		v3 := [3]float64{coords[9], coords[10], coords[11]}

		for _, v := range [][3]float64{v1, v2, v3} {
			minX, maxX = math.Min(minX, v[0]), math.Max(maxX, v[0])
			minY, maxY = math.Min(minY, v[1]), math.Max(maxY, v[1])
			minZ, maxZ = math.Min(minZ, v[2]), math.Max(maxZ, v[2])
		}

		volume += signedTetrahedronVolume(v1, v2, v3)
		surfaceArea += triangleArea(v1, v2, v3)
	}

	volume = math.Abs(volume)

	height := maxZ - minZ
	if layerHeightMm <= 0 {
		layerHeightMm = 0.2
	}

	layerCount := int(math.Ceil(height / layerHeightMm))

	overhangFraction := overhangEstimate(infillPercent)

	complexity := complexityScore(surfaceArea, volume, float64(triangleCount))

	return GeometryFeatures{
		VolumeMm3:        volume,
		SurfaceAreaMm2:   surfaceArea,
		BoundingWidthMm:  maxX - minX,
		BoundingDepthMm:  maxY - minY,
		BoundingHeightMm: height,
		LayerCount:       layerCount,
		SupportPercent:   overhangFraction,
		ComplexityScore:  complexity,
	}, nil
}

func signedTetrahedronVolume(v1, v2, v3 [3]float64) float64 {
	return (v1[0]*(v2[1]*v3[2]-v3[1]*v2[2]) -
		v1[1]*(v2[0]*v3[2]-v3[0]*v2[2]) +
		v1[2]*(v2[0]*v3[1]-v3[0]*v2[1])) / 6.0
}

func triangleArea(v1, v2, v3 [3]float64) float64 {
	ux, uy, uz := v2[0]-v1[0], v2[1]-v1[1], v2[2]-v1[2]
	vx, vy, vz := v3[0]-v1[0], v3[1]-v1[1], v3[2]-v1[2]

	cx := uy*vz - uz*vy
	cy := uz*vx - ux*vz
	cz := ux*vy - uy*vx

	return 0.5 * math.Sqrt(cx*cx+cy*cy+cz*cz)
}

// overhangEstimate is a placeholder heuristic for support-material
// percentage; a full implementation would walk facet normals for
// downward-facing overhangs past a threshold angle. Driven only by infill
// here since that is the one parameter available at this contract layer.
func overhangEstimate(infillPercent float64) float64 {
	return clamp(20-infillPercent/10, 0, 100)
}

// complexityScore folds surface-area-to-volume ratio and facet density into
// a single normalized score in [0,1], used as a feature and surfaced to
// callers.
func complexityScore(surfaceArea, volume, triangleCount float64) float64 {
	if volume <= 0 {
		return 1
	}

	ratio := surfaceArea / math.Cbrt(volume*volume)

	return clamp(ratio/50+triangleCount/100000, 0, 1)
}
