package cmd

import (
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/vdiext/fsys/ext"
	"github.com/lvdlvd/vdiext/fsys/part"
	"github.com/lvdlvd/vdiext/vdi"
)

// Session is one opened image and, once mounted, one of its partitions.
type Session struct {
	Disk   *vdi.Disk
	Table  *part.Table
	View   *part.View
	Volume *ext.Volume

	log *logrus.Entry
}

// OpenDisk opens image and reads its partition table. The image is opened
// read-only unless write is set and the config allows writing.
func OpenDisk(env *Env, image string, write bool) (*Session, error) {
	log := env.Log.WithField("image", image)

	var opts []vdi.Option
	if !write || env.Config.ReadOnly {
		opts = append(opts, vdi.ReadOnly())
	}
	d, err := vdi.Open(image, opts...)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"type":      d.Header().TypeString(),
		"disk_size": d.Size(),
		"read_only": d.ReadOnly(),
	}).Debug("opened image")

	tbl, err := part.ReadTable(d)
	if err != nil {
		if cerr := d.Close(); cerr != nil {
			log.WithError(cerr).Warn("closing image")
		}
		return nil, err
	}
	if !tbl.HasSignature() {
		log.Warn("boot sector has no 0x55AA signature")
	}
	return &Session{Disk: d, Table: tbl, log: log}, nil
}

// Mount selects partition index and opens the ext2 volume inside it.
func (s *Session) Mount(index int) error {
	view, err := s.Table.Select(s.Disk, index)
	if err != nil {
		return err
	}
	vol, err := ext.Open(view)
	if err != nil {
		return err
	}
	s.View, s.Volume = view, vol
	s.log.WithFields(logrus.Fields{
		"partition": index,
		"start":     view.Start(),
		"size":      view.Size(),
		"groups":    vol.GroupCount(),
	}).Debug("mounted volume")
	return nil
}

// OpenVolume opens image and mounts partition in one step.
func OpenVolume(env *Env, image string, partition int, write bool) (*Session, error) {
	s, err := OpenDisk(env, image, write)
	if err != nil {
		return nil, err
	}
	if err := s.Mount(partition); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close unwinds the session in the reverse order it was built, flushing the
// image first if it was writable.
func (s *Session) Close() error {
	s.Volume = nil
	s.View = nil
	s.Table = nil
	if s.Disk == nil {
		return nil
	}
	if err := s.Disk.Sync(); err != nil {
		s.log.WithError(err).Warn("flushing image")
	}
	err := s.Disk.Close()
	if err != nil {
		s.log.WithError(err).Warn("closing image")
	}
	s.Disk = nil
	return err
}
