// Command raster2slpk converts a heightfield (an elevation PNG and a
// color PNG) into a single-node SLPK, per spec.md §6's example
// front-end signature:
//
//	raster2slpk <elevation_png> <color_png> <output.slpk> <x_step> <y_step> <z_unit>
//
// Grounded on original_source/examples/raster2slpk/main.cpp's overall
// pipeline (load elevation + color rasters, build a regular grid mesh,
// drive the layer writer, save) with the recursive LOD-pyramid and
// geographic-reprojection machinery dropped, per spec.md §9's note that
// raster2slpk's exact origin/path handling is not required — this
// produces one flat-LOD root node rather than a quadtree.
package main

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"strconv"

	"github.com/esri-i3s/slpk-writer/archive"
	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/layer"
	"github.com/esri-i3s/slpk-writer/material"
	"github.com/esri-i3s/slpk-writer/math32"
	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/node"
	"github.com/esri-i3s/slpk-writer/texture"
	"github.com/esri-i3s/slpk-writer/writer"
)

func main() {
	if len(os.Args) != 7 {
		fmt.Println("Usage:")
		fmt.Println("raster2slpk <elevation_png> <color_png> <output_slpk_file> <x_step> <y_step> <z_unit>")
		os.Exit(1)
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	elevationPath, colorPath, outputPath := args[0], args[1], args[2]
	xStep, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Errorf("invalid x_step: %w", err)
	}
	yStep, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return fmt.Errorf("invalid y_step: %w", err)
	}
	zUnit, err := strconv.ParseFloat(args[5], 64)
	if err != nil {
		return fmt.Errorf("invalid z_unit: %w", err)
	}

	elevation, err := loadRGBA(elevationPath)
	if err != nil {
		return fmt.Errorf("loading elevation image: %w", err)
	}
	color, err := loadRGBA(colorPath)
	if err != nil {
		return fmt.Errorf("loading color image: %w", err)
	}

	m := buildGridMesh(elevation, xStep, yStep, zUnit)

	sink := archive.NewMemoryArchive()
	w := writer.New(writer.Config{
		Node: node.Config{
			LayerType:             "mesh",
			DesiredTextureFormats: texture.FormatJpg | texture.FormatPng,
		},
		LODMetricType: "maxScreenThreshold",
	}, archive.Codecs{
		EncodeToJPEG: encodeJPEG,
		EncodeToPNG:  encodePNG,
	}, sink, nil)

	root := node.SimpleNode{
		ID:           0,
		Depth:        0,
		LODThreshold: screenSizeToArea(500),
		Mesh:         m,
		Material:     material.Data{},
		TextureRaw:   texture.Buffer{Raw: color},
	}
	if _, err := w.Submit(root); err != nil {
		return fmt.Errorf("submitting root node: %w", err)
	}

	if _, err := w.Save(layer.Input{
		LayerType:        "mesh",
		SpatialReference: layer.SpatialReference{WKID: 4326},
	}); err != nil {
		return fmt.Errorf("saving layer: %w", err)
	}

	return writeSLPK(outputPath, sink)
}

// screenSizeToArea converts a screen-size LOD metric (a diameter in
// pixels) into the area of the circle with that diameter, the threshold
// the writer stores, per original_source/examples/
// raster2slpk/main.cpp's screen_size_to_area.
func screenSizeToArea(pixels float64) float64 {
	const piOver4 = 3.14159265358979323846 * 0.25
	return pixels * pixels * piOver4
}

func loadRGBA(path string) (*image.RGBA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return texture.DecodeRaw(data)
}

// buildGridMesh tessellates elevation's pixel grid into a flat-LOD
// triangle mesh: one quad (two triangles) per 2x2 block of pixels, with
// position.Z sampled from the red channel and scaled by zUnit, and UVs
// mapped to the grid's normalized extent.
func buildGridMesh(elevation *image.RGBA, xStep, yStep, zUnit float64) *mesh.Mesh {
	bounds := elevation.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}

	height := func(x, y int) float64 {
		if x >= w {
			x = w - 1
		}
		if y >= h {
			y = h - 1
		}
		r := elevation.RGBAAt(bounds.Min.X+x, bounds.Min.Y+y).R
		return float64(r) * zUnit
	}

	var positions []geo.Vec3
	var uvs []math32.Vector2

	for y := 0; y < h-1; y++ {
		for x := 0; x < w-1; x++ {
			p00 := geo.NewVec3(float64(x)*xStep, float64(y)*yStep, height(x, y))
			p10 := geo.NewVec3(float64(x+1)*xStep, float64(y)*yStep, height(x+1, y))
			p01 := geo.NewVec3(float64(x)*xStep, float64(y+1)*yStep, height(x, y+1))
			p11 := geo.NewVec3(float64(x+1)*xStep, float64(y+1)*yStep, height(x+1, y+1))

			u0, u1 := float32(x)/float32(w-1), float32(x+1)/float32(w-1)
			v0, v1 := float32(y)/float32(h-1), float32(y+1)/float32(h-1)

			positions = append(positions, p00, p10, p11, p00, p11, p01)
			uvs = append(uvs,
				math32.Vector2{X: u0, Y: v0}, math32.Vector2{X: u1, Y: v0}, math32.Vector2{X: u1, Y: v1},
				math32.Vector2{X: u0, Y: v0}, math32.Vector2{X: u1, Y: v1}, math32.Vector2{X: u0, Y: v1},
			)
		}
	}

	out := mesh.New(mesh.Triangles)
	in := mesh.BulkInput{
		Origin:    geo.NewVec3(0, 0, 0),
		Positions: positions,
		UVs:       uvs,
	}
	if err := out.AssignFromBulk(in); err != nil {
		panic(err) // positions/uvs are always built in matching triples above
	}
	out.CreateNormals(false)
	return out
}

func encodeJPEG(img *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePNG(img *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeSLPK zips sink's accumulated files into an SLPK container at path.
// Byte-exact ZIP layout is out of scope for the writer package itself
// (spec.md §1), but the CLI still needs to produce one real output file,
// so it uses the standard library's archive/zip writer.
func writeSLPK(path string, sink *archive.MemoryArchive) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, data := range sink.Files() {
		entry, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := entry.Write(data); err != nil {
			return err
		}
	}
	return zw.Close()
}
