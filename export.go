package main

import (
	"archive/zip"
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/exp/slog"
)

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

var exportTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Name}}</title>
  <style>
    body { font-family: Arial, sans-serif; background-color: #f4f4f9; color: #333; padding: 20px; }
    .image-container { display: flex; justify-content: center; margin-bottom: 20px; }
    img { width: 80%; max-width: 1200px; height: auto; border-radius: 8px; display: block; }
    area { outline: none; }
    form { background-color: #fff; padding: 20px; border-radius: 8px; max-width: 400px; margin: 30px auto; position: relative; }
    label { display: block; margin-bottom: 8px; }
    input[type="text"], textarea { width: 100%; padding: 10px; margin-bottom: 20px; }
    button[type="button"] { position: absolute; top: 10px; right: 10px; }
  </style>
</head>
<body>
  <div class="image-container">
    <img src="./assets/{{.ImageName}}" alt="{{.Name}}" usemap="#floormap">
  </div>
  <map name="floormap">
{{- range .Areas}}
    <area alt="{{.Name}}" title="{{.Name}}" coords="{{.Coordinates.HTMLCoords}}" shape="{{.Shape}}" data-id="{{.ID}}" href="#">
{{- end}}
  </map>

  <form id="floor-space-form" hidden>
    <button type="button" id="close-form">X</button>
    <label for="space-name">Name of Floor Space:</label>
    <input type="text" id="space-name" name="space-name" readonly>
    <label for="space-desc">Description:</label>
    <textarea id="space-desc" name="space-desc" readonly></textarea>
    <label for="space-files">Files:</label>
    <ul id="misc-files"></ul>
  </form>

  <script>
    const floorSpaces = {{.Areas}};
    const form = document.getElementById('floor-space-form');
    const files = document.getElementById('misc-files');
    document.getElementById('close-form').addEventListener('click', () => form.hidden = true);
    document.querySelectorAll('area').forEach(area => {
      area.addEventListener('click', event => {
        event.preventDefault();
        const fs = floorSpaces.find(f => f.id === area.dataset.id);
        if (!fs) return;
        document.getElementById('space-name').value = fs.name;
        document.getElementById('space-desc').value = fs.description;
        files.replaceChildren(...fs.files.map(f => {
          const li = document.createElement('li');
          li.textContent = f;
          return li;
        }));
        form.hidden = false;
      });
    });
  </script>
</body>
</html>
`))

// HandleExportImageMap streams a zip holding a static HTML image map and its
// image, laid out as <name>/index.html and <name>/assets/<image>.
func (s *APIServer) HandleExportImageMap(userID int64, w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("map")

	m, err := s.store.GetImageMap(r.Context(), userID, id)
	if err != nil {
		return storeError(err, id)
	}

	img, err := s.blobs.Open(r.Context(), m.ImageKey)
	if err != nil {
		return fmt.Errorf("open image of map %s: %w", m.ID, err)
	}
	defer img.Close()

	dir := exportDirName(m.Name)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dir+".zip"))
	w.WriteHeader(http.StatusOK)

	// The status line is already out; from here failures can only be logged.
	if err := writeExport(r.Context(), w, dir, m, img); err != nil {
		slog.Error("Failed to write image map export", "image_map_id", m.ID, "error", err)
	}

	return nil
}

func writeExport(ctx context.Context, w io.Writer, dir string, m ImageMap, img io.Reader) error {
	zw := zip.NewWriter(w)
	modified := m.UpdatedAt
	if modified.IsZero() {
		modified = time.Now()
	}

	index, err := zw.CreateHeader(&zip.FileHeader{
		Name:     dir + "/index.html",
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	if err := exportTemplate.Execute(index, m); err != nil {
		return fmt.Errorf("render index.html: %w", err)
	}

	asset, err := zw.CreateHeader(&zip.FileHeader{
		Name:     dir + "/assets/" + m.ImageName,
		Method:   zip.Store,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(asset, img); err != nil {
		return fmt.Errorf("copy image: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return zw.Close()
}

func exportDirName(name string) string {
	dir := strings.Trim(unsafeDirChars.ReplaceAllString(strings.TrimSpace(name), "-"), "-.")
	if dir == "" {
		return "image-map"
	}
	return dir
}
