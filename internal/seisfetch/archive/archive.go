// Package archive manages the seismogram output tree: one directory per event id under a root directory.
//
// An event counts as retrieved once its directory holds at least one seismogram, i.e. any file other
// than the event metadata file (*.evnt) the peer writes first. Directories that hold nothing else are
// leftovers of failed downloads and are pruned.
package archive

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const MetadataSuffix = ".evnt"

type Archive struct {
	root string
}

// New returns an Archive rooted at root, creating the directory if it does not exist.
func New(root string) (*Archive, error) {
	if root == "" {
		return nil, errors.New("archive root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output directory %s", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("output directory %s is not a directory", root)
	}
	return &Archive{root: root}, nil
}

func (a *Archive) Root() string {
	return a.root
}

func (a *Archive) EventDir(eventId string) string {
	return filepath.Join(a.root, eventId)
}

// Count returns the number of seismograms stored for the event. A missing directory counts as zero.
func (a *Archive) Count(eventId string) (int, error) {
	entries, err := os.ReadDir(a.EventDir(eventId))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.WithStack(err)
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), MetadataSuffix) {
			continue
		}
		count++
	}
	return count, nil
}

// IsRetrieved reports whether seismograms exist for the event. A directory without any is pruned on the way.
func (a *Archive) IsRetrieved(eventId string) (bool, error) {
	count, err := a.Count(eventId)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if _, err := a.RemoveIfEmpty(eventId); err != nil {
		return false, err
	}
	return false, nil
}

// RemoveIfEmpty deletes the event directory if it holds nothing but the metadata file.
// Returns true if a directory was removed.
func (a *Archive) RemoveIfEmpty(eventId string) (bool, error) {
	dir := a.EventDir(eventId)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}
	if len(entries) > 1 {
		return false, nil
	}
	if len(entries) == 1 {
		entry := entries[0]
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), MetadataSuffix) {
			return false, nil
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return false, errors.WithStack(err)
		}
	}
	if err := os.Remove(dir); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// EventIds lists the event directories currently in the archive.
func (a *Archive) EventIds() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// RemoveStale deletes the directories of events that are not in keep and were last modified more than retain
// before reference. Returns the ids that were removed and the age each had at removal.
func (a *Archive) RemoveStale(keep map[string]struct{}, reference time.Time, retain time.Duration) (map[string]time.Duration, error) {
	ids, err := a.EventIds()
	if err != nil {
		return nil, err
	}
	removed := map[string]time.Duration{}
	var result *multierror.Error
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			continue
		}
		info, err := os.Stat(a.EventDir(id))
		if err != nil {
			result = multierror.Append(result, errors.WithStack(err))
			continue
		}
		age := reference.Sub(info.ModTime())
		if age <= retain {
			continue
		}
		if err := os.RemoveAll(a.EventDir(id)); err != nil {
			result = multierror.Append(result, errors.WithStack(err))
			continue
		}
		removed[id] = age
	}
	return removed, result.ErrorOrNil()
}
