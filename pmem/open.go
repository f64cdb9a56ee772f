package pmem

import (
	"github.com/pingcap-incubator/tinypstm/config"
	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap/errors"
)

// Open creates the device described by conf.
func Open(conf *config.Device) (Store, error) {
	size := uint64(conf.Size)
	switch conf.Kind {
	case "emulated":
		e, err := NewEmulated(size, conf.CrashKeepProbability)
		if err != nil {
			return nil, err
		}
		e.SetWriteLatency(conf.WriteLatency.Duration)
		log.Infof("opened emulated device, size %d, write latency %v", size, conf.WriteLatency.Duration)
		return e, nil
	case "mmap":
		s, err := OpenMapped(conf.Path, size)
		if err != nil {
			return nil, err
		}
		log.Infof("mapped device %s, size %d", conf.Path, size)
		return s, nil
	case "badger":
		s, err := OpenBadger(conf.Path, size)
		if err != nil {
			return nil, err
		}
		log.Infof("opened badger device %s, size %d", conf.Path, size)
		return s, nil
	}
	return nil, errors.Errorf("unknown device kind %q", conf.Kind)
}
