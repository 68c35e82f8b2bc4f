package stages

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PLYHeader holds the element counts declared in a PLY file header.
type PLYHeader struct {
	Format   string           // ascii, binary_little_endian or binary_big_endian
	Elements map[string]int64 // element name to count, e.g. "vertex", "face"
}

// maxHeaderLines bounds the header scan for files that are not PLY at all.
const maxHeaderLines = 256

// ReadPLYHeader reads the header of a PLY file. Only the header is read, so
// this is cheap on large meshes and point clouds.
func ReadPLYHeader(path string) (PLYHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return PLYHeader{}, err
	}
	defer f.Close()

	h := PLYHeader{Elements: make(map[string]int64)}
	scanner := bufio.NewScanner(f)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "ply" {
		return PLYHeader{}, fmt.Errorf("%s: not a PLY file", path)
	}

	for i := 0; scanner.Scan() && i < maxHeaderLines; i++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "end_header":
			return h, nil
		case "format":
			if len(fields) > 1 {
				h.Format = fields[1]
			}
		case "element":
			if len(fields) != 3 {
				return PLYHeader{}, fmt.Errorf("%s: malformed element line %q", path, scanner.Text())
			}
			n, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return PLYHeader{}, fmt.Errorf("%s: malformed element count: %w", path, err)
			}
			h.Elements[fields[1]] = n
		}
	}
	if err := scanner.Err(); err != nil {
		return PLYHeader{}, err
	}
	return PLYHeader{}, fmt.Errorf("%s: header has no end_header", path)
}

// Vertices returns the vertex count.
func (h PLYHeader) Vertices() int64 { return h.Elements["vertex"] }

// Faces returns the face count.
func (h PLYHeader) Faces() int64 { return h.Elements["face"] }
