package fileutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/option/content"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

// Entry is a single child of a listed directory.
type Entry struct {
	Name  string
	URL   string
	IsDir bool
}

func ReadFileBytes(filename string) ([]byte, error) {
	return ReadFileBytesContext(context.Background(), filename)
}

func ReadFileBytesContext(ctx context.Context, filename string) (outBytes []byte, err error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	_, readErr := io.Copy(buf, file)
	if readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), nil
}

// WriteFileBytes writes data to filename, replacing any existing object.
func WriteFileBytes(ctx context.Context, filename string, data []byte, contentType string) (err error) {
	writer, err := NewFileWriter(ctx, filename, contentType)
	if err != nil {
		return err
	}
	defer func(writer io.Closer) {
		err = errors.Join(err, CloseFile(writer))
	}(writer)
	_, err = writer.Write(data)
	return err
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	switch {
	case strings.HasPrefix(path, "s3://"):
		return "S3"
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return "HTTP"
	default:
		return "os"
	}
}

// OpenFile opens a local, s3 or http file for streaming reads. The caller closes it.
func OpenFile(ctx context.Context, filename string) (io.ReadCloser, error) {
	return fileSystem.OpenURL(ctx, filename)
}

// ReadLine returns a single line (without the ending \n)
// from the input buffered reader.
// This function is needed to avoid the 65K char line limit.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is a URL, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3", "HTTP":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		path = filepath.Join(elem...)
	}
	return path
}

// CopyFile copies from any supported location (local, s3, http) to any writable one.
func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return fileSystem.Walk
}

// List returns the direct children of a directory. afs reports the listed directory itself as the
// first object, which is skipped here.
func List(ctx context.Context, dir string) ([]Entry, error) {
	objects, err := fileSystem.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	base := path.Base(strings.TrimSuffix(filepath.ToSlash(dir), "/"))
	entries := make([]Entry, 0, len(objects))
	for i, object := range objects {
		if i == 0 && object.IsDir() && object.Name() == base {
			continue
		}
		entries = append(entries, Entry{Name: object.Name(), URL: object.URL(), IsDir: object.IsDir()})
	}
	return entries, nil
}

func DeleteFile(filename string) error {
	return fileSystem.Delete(context.Background(), filename)
}

func CreateFile(fileName string, isDir bool) error {
	return fileSystem.Create(context.Background(), fileName, os.ModePerm, isDir)
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

func FileExistsContext(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

func FileStats(filename string) (os.FileInfo, error) {
	return fileSystem.Object(context.Background(), filename)
}

func NewFileWriter(ctx context.Context, filename string, contentType string) (io.WriteCloser, error) {
	exists, err := FileExistsContext(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		err = fileSystem.Delete(ctx, filename)
		if err != nil {
			return nil, err
		}
	}
	if contentType != "" {
		return fileSystem.NewWriter(ctx, filename, 0o644, content.NewMeta(content.Type, contentType), option.NewSkipChecksum(true))
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}
