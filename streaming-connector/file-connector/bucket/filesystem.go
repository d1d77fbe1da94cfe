package bucket

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const inProgressSuffix = ".inprogress"

// Part is an open part file of a bucket.
type Part struct {
	BucketId    string
	Number      int
	Size        int64
	CreatedAt   time.Time
	LastWriteAt time.Time
	file        afero.File
}

// FileSystem lays out one directory per bucket under BasePath.
// Parts stay hidden as .<prefix>-<n><suffix>.inprogress until they are committed as <prefix>-<n><suffix>.
type FileSystem struct {
	Fs         afero.Fs
	BasePath   string
	PartPrefix string
	PartSuffix string
}

func (f *FileSystem) bucketPath(bucketId string) string {
	return filepath.Join(f.BasePath, bucketId)
}

func (f *FileSystem) finishedName(n int) string {
	return f.PartPrefix + "-" + strconv.Itoa(n) + f.PartSuffix
}

func (f *FileSystem) hiddenName(n int) string {
	return "." + f.finishedName(n) + inProgressSuffix
}

// parse returns the part number of a finished or hidden part name.
func (f *FileSystem) parse(name string) (n int, hidden bool, ok bool) {
	if strings.HasPrefix(name, ".") && strings.HasSuffix(name, inProgressSuffix) {
		hidden = true
		name = strings.TrimSuffix(strings.TrimPrefix(name, "."), inProgressSuffix)
	}
	if !strings.HasPrefix(name, f.PartPrefix+"-") || !strings.HasSuffix(name, f.PartSuffix) {
		return 0, false, false
	}
	number := strings.TrimSuffix(strings.TrimPrefix(name, f.PartPrefix+"-"), f.PartSuffix)
	n, err := strconv.Atoi(number)
	if err != nil || n < 0 {
		return 0, false, false
	}
	return n, hidden, true
}

func (f *FileSystem) CreatePart(bucketId string, n int, now time.Time) (*Part, error) {
	if err := f.Fs.MkdirAll(f.bucketPath(bucketId), 0755); err != nil {
		return nil, errors.WithMessagef(err, "failed to create bucket %s", bucketId)
	}
	file, err := f.Fs.OpenFile(filepath.Join(f.bucketPath(bucketId), f.hiddenName(n)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create part %d of bucket %s", n, bucketId)
	}
	return &Part{BucketId: bucketId, Number: n, CreatedAt: now, LastWriteAt: now, file: file}, nil
}

// Append writes data, a partial write is continued by the next call with the remaining bytes.
func (f *FileSystem) Append(part *Part, data []byte) (int, error) {
	written, err := part.file.Write(data)
	part.Size += int64(written)
	if err != nil {
		return written, errors.WithMessagef(err, "failed to append to part %d of bucket %s", part.Number, part.BucketId)
	}
	return written, nil
}

// Finalize closes the part, it stays hidden until Commit.
func (f *FileSystem) Finalize(part *Part) error {
	if err := part.file.Sync(); err != nil {
		return errors.WithMessagef(err, "failed to sync part %d of bucket %s", part.Number, part.BucketId)
	}
	if err := part.file.Close(); err != nil && !errors.Is(err, afero.ErrFileClosed) {
		return errors.WithMessagef(err, "failed to close part %d of bucket %s", part.Number, part.BucketId)
	}
	return nil
}

// Commit makes a finalized part visible, committing an already visible part succeeds.
func (f *FileSystem) Commit(bucketId string, n int) error {
	hidden := filepath.Join(f.bucketPath(bucketId), f.hiddenName(n))
	finished := filepath.Join(f.bucketPath(bucketId), f.finishedName(n))
	if err := f.Fs.Rename(hidden, finished); err != nil {
		if exists, _ := afero.Exists(f.Fs, finished); exists {
			return nil
		}
		return errors.WithMessagef(err, "failed to commit part %d of bucket %s", n, bucketId)
	}
	return nil
}

func (f *FileSystem) Discard(bucketId string, n int) error {
	err := f.Fs.Remove(filepath.Join(f.bucketPath(bucketId), f.hiddenName(n)))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "failed to discard part %d of bucket %s", n, bucketId)
	}
	return nil
}

func (f *FileSystem) list(bucketId string) (hidden []int, finished []int, err error) {
	infos, err := afero.ReadDir(f.Fs, f.bucketPath(bucketId))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.WithMessagef(err, "failed to list bucket %s", bucketId)
	}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if n, isHidden, ok := f.parse(info.Name()); ok {
			if isHidden {
				hidden = append(hidden, n)
			} else {
				finished = append(finished, n)
			}
		}
	}
	sort.Ints(hidden)
	sort.Ints(finished)
	return hidden, finished, nil
}

// ListUncommitted returns the numbers of the hidden parts of a bucket.
func (f *FileSystem) ListUncommitted(bucketId string) ([]int, error) {
	hidden, _, err := f.list(bucketId)
	return hidden, err
}

// NextPartNumber returns a number above every committed part of the bucket.
func (f *FileSystem) NextPartNumber(bucketId string) (int, error) {
	_, finished, err := f.list(bucketId)
	if err != nil || len(finished) == 0 {
		return 0, err
	}
	return finished[len(finished)-1] + 1, nil
}

// ListBuckets returns every bucket directory under BasePath.
func (f *FileSystem) ListBuckets() ([]string, error) {
	infos, err := afero.ReadDir(f.Fs, f.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "failed to list buckets")
	}
	var buckets []string
	for _, info := range infos {
		if info.IsDir() {
			buckets = append(buckets, info.Name())
		}
	}
	return buckets, nil
}
