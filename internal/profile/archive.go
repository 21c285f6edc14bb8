package profile

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// archiveMetaName holds the profile record inside an export archive.
const archiveMetaName = ".browsernerd-profile.json"

// Export writes a profile's metadata and user-data directory to a
// tar.gz archive at path and returns the archive URI.
func (s *Store) Export(name, path string) (string, error) {
	p, err := s.Get(name)
	if err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	meta, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal profile record: %w", err)
	}
	if err := writeTarFile(tw, archiveMetaName, meta); err != nil {
		return "", err
	}

	root := p.UserDataDir
	err = filepath.Walk(root, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join("userdata", rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(file)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("archive user-data dir: %w", err)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("finalize gzip: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs, nil
}

// Import reads an export archive and registers it as a new profile.
// newName overrides the archived name when non-empty.
func (s *Store) Import(archivePath, newName string) (*Profile, error) {
	f, err := os.Open(strings.TrimPrefix(archivePath, "file://"))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var meta *Profile
	type pendingFile struct {
		rel  string
		mode os.FileMode
		data []byte
	}
	var files []pendingFile
	var dirs []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		switch {
		case hdr.Name == archiveMetaName:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read profile record: %w", err)
			}
			meta = &Profile{}
			if err := json.Unmarshal(data, meta); err != nil {
				return nil, fmt.Errorf("parse profile record: %w", err)
			}
		case strings.HasPrefix(hdr.Name, "userdata/"):
			rel := strings.TrimPrefix(hdr.Name, "userdata/")
			if !filepath.IsLocal(rel) {
				return nil, fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
			}
			if hdr.Typeflag == tar.TypeDir {
				dirs = append(dirs, rel)
				continue
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read archive entry %s: %w", hdr.Name, err)
			}
			files = append(files, pendingFile{rel: rel, mode: hdr.FileInfo().Mode(), data: data})
		}
	}

	if meta == nil {
		return nil, fmt.Errorf("archive missing profile record")
	}
	name := newName
	if name == "" {
		name = meta.Name
	}

	created, err := s.Create(name, meta.Description, meta.Tags, meta.AutoLoginSites)
	if err != nil {
		return nil, err
	}

	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(created.UserDataDir, d), 0o755); err != nil {
			return nil, fmt.Errorf("restore dir %s: %w", d, err)
		}
	}
	for _, pf := range files {
		dst := filepath.Join(created.UserDataDir, pf.rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("restore %s: %w", pf.rel, err)
		}
		if err := os.WriteFile(dst, pf.data, pf.mode.Perm()); err != nil {
			return nil, fmt.Errorf("restore %s: %w", pf.rel, err)
		}
	}

	// Carry over the mutable metadata the archive recorded.
	err = s.mutate(name, func(p *Profile) {
		p.RequiresHumanLogin = meta.RequiresHumanLogin
		p.LoginNotes = meta.LoginNotes
		p.SessionTimeoutHours = meta.SessionTimeoutHours
		p.BrowserChannel = meta.BrowserChannel
	})
	if err != nil {
		return nil, err
	}
	return s.Get(name)
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
