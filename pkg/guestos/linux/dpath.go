package linux

import (
	"strings"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
)

// maxPathDepth bounds the dentry walk of corrupted or hostile chains.
const maxPathDepth = 256

type pathWalk struct {
	dentry, mnt uint64
}

// dPath rebuilds the path of a struct path like the kernel's d_path,
// crossing mount points up to the root mount. Parts that cannot be read
// end the walk and the components gathered so far are returned.
func (x *Extractor) dPath(path uint64) string {
	l := x.layout
	if path == 0 {
		return ""
	}
	vfsmnt, err := x.vmi.Read64VA(path+l.Path.Mnt, x.systemDTB)
	if err != nil {
		x.log.WithError(err).Warn("Unable to extract path")
		return ""
	}
	dentry, err := x.vmi.Read64VA(path+l.Path.Dentry, x.systemDTB)
	if err != nil {
		x.log.WithError(err).Warn("Unable to extract path")
		return ""
	}
	if dentry == 0 || vfsmnt == 0 {
		return ""
	}

	var parts []string
	cur := pathWalk{dentry: dentry, mnt: vfsmnt - l.Mount.Mnt}
	visited := map[pathWalk]struct{}{}
	for {
		if _, ok := visited[cur]; ok || len(visited) >= maxPathDepth {
			x.log.WithField("dentry", logflags.Hex(cur.dentry)).Warn("Path walk does not terminate")
			break
		}
		visited[cur] = struct{}{}

		next, part, more, err := x.pathStep(cur)
		if err != nil {
			x.log.WithError(err).Warn("Unable to extract part of a path.")
			break
		}
		if part != "" {
			parts = append(parts, part)
		}
		if !more {
			break
		}
		cur = next
	}

	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteString(parts[i])
	}
	return sb.String()
}

// pathStep returns the component contributed by cur and where the walk
// continues.
func (x *Extractor) pathStep(cur pathWalk) (next pathWalk, part string, more bool, err error) {
	l := x.layout
	read := func(va uint64) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = x.vmi.Read64VA(va, x.systemDTB)
		return v
	}
	namePtr := read(cur.dentry + l.Dentry.Name + l.QstrName)
	parent := read(cur.dentry + l.Dentry.Parent)
	mntRoot := read(cur.mnt + l.Mount.Mnt + l.VFSMountRoot)
	mountpoint := read(cur.mnt + l.Mount.Mountpoint)
	mntParent := read(cur.mnt + l.Mount.Parent)
	if err != nil {
		return pathWalk{}, "", false, err
	}
	name, err := x.vmi.ExtractStringAtVA(namePtr, x.systemDTB)
	if err != nil {
		return pathWalk{}, "", false, err
	}

	switch {
	case parent != cur.dentry && cur.dentry != mntRoot:
		next, more = pathWalk{dentry: parent, mnt: cur.mnt}, true
	case mntParent != cur.mnt:
		next, more = pathWalk{dentry: mountpoint, mnt: mntParent}, true
	}

	switch {
	case cur.dentry == mntRoot, parent == cur.dentry && strings.HasPrefix(name, "/"):
	case parent == cur.dentry:
		part = name
	default:
		part = "/" + name
	}
	return next, part, more, nil
}
