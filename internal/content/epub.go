package content

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
)

// containerXML is the subset of META-INF/container.xml we need.
type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

// packageDoc is the subset of the OPF package document we need.
type packageDoc struct {
	Title    string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// Parse reads an EPUB package and builds its content model. Parsing is
// idempotent: the same package always yields an identical model.
// Malformed packages return an error wrapping ErrUnparseable.
func Parse(pkgPath string) (*Model, error) {
	zr, err := zip.OpenReader(pkgPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrUnparseable, pkgPath, err)
	}
	defer zr.Close()
	return parseZip(&zr.Reader)
}

func parseZip(zr *zip.Reader) (*Model, error) {
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[path.Clean(f.Name)] = f
	}

	containerData, err := readZipFile(files, "META-INF/container.xml")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	var container containerXML
	if err := xml.Unmarshal(containerData, &container); err != nil {
		return nil, fmt.Errorf("%w: container.xml: %v", ErrUnparseable, err)
	}
	if len(container.Rootfiles) == 0 {
		return nil, fmt.Errorf("%w: container.xml lists no rootfile", ErrUnparseable)
	}

	opfPath := container.Rootfiles[0].FullPath
	opfData, err := readZipFile(files, opfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	var pkg packageDoc
	if err := xml.Unmarshal(opfData, &pkg); err != nil {
		return nil, fmt.Errorf("%w: package document: %v", ErrUnparseable, err)
	}
	if len(pkg.Spine) == 0 {
		return nil, fmt.Errorf("%w: empty spine", ErrUnparseable)
	}

	hrefByID := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		hrefByID[item.ID] = item.Href
	}

	opfDir := path.Dir(opfPath)
	m := &Model{Title: pkg.Title}
	var sb strings.Builder

	for i, ref := range pkg.Spine {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			return nil, fmt.Errorf("%w: spine idref %q not in manifest", ErrUnparseable, ref.IDRef)
		}
		docPath := path.Clean(path.Join(opfDir, href))
		markup, err := readZipFile(files, docPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		text, err := ExtractText(markup)
		if err != nil {
			return nil, fmt.Errorf("%w: spine document %s: %v", ErrUnparseable, href, err)
		}

		if sb.Len() > 0 {
			sb.WriteString(SegmentSeparator)
		}
		start := sb.Len()
		sb.WriteString(text)
		m.Segments = append(m.Segments, Segment{
			Index:  i + 1,
			Href:   docPath,
			Start:  start,
			End:    sb.Len(),
			Markup: markup,
		})
	}

	m.Text = sb.String()
	return m, nil
}

func readZipFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[path.Clean(name)]
	if !ok {
		return nil, fmt.Errorf("missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}
