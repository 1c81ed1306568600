package modules

import (
	"context"
	"fmt"
)

// appleSMC emulates the Apple System Management Controller.
type appleSMC struct {
	info
	osk string
}

func newAppleSMC(s Section, _ *Host) (Module, error) {
	osk, err := s.String("osk")
	if err != nil {
		return nil, err
	}
	return &appleSMC{info: info{kind: s.Kind, name: s.Name}, osk: osk}, nil
}

func (m *appleSMC) LaunchArgs(ctx context.Context, l *Launch) ([]string, error) {
	return []string{"-device", "isa-applesmc,osk=" + m.osk}, nil
}

// storage is a raw disk image attached with native AIO and no host cache.
type storage struct {
	info
	driver string
	file   string
	media  string
}

func newStorage(s Section, _ *Host) (Module, error) {
	m := &storage{info: info{kind: s.Kind, name: s.Name}}

	var err error
	if m.driver, err = s.String("driver"); err != nil {
		return nil, err
	}
	if m.file, err = s.String("file"); err != nil {
		return nil, err
	}
	if m.media, _, err = s.OptionalString("media"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storage) LaunchArgs(ctx context.Context, l *Launch) ([]string, error) {
	drive := fmt.Sprintf("if=%s,format=raw,aio=native,cache.direct=on,file=%s", m.driver, m.file)
	if m.media != "" {
		drive += ",media=" + m.media
	}
	return []string{"-drive", drive}, nil
}
