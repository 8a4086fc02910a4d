package push

import "fmt"

// DefaultPort is the receiver port used when a Destination names none.
const DefaultPort = 4006

// Target is either a single Destination or a Group of targets.
type Target interface {
	flatten(dst []Destination) []Destination
}

// Destination is one DICOM receiver.
type Destination struct {
	AETitle string
	IP      string
	Port    int
}

func (d Destination) withDefaults() Destination {
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	return d
}

func (d Destination) String() string {
	d = d.withDefaults()
	return fmt.Sprintf("DICOM destination: %s [%s:%d]", d.AETitle, d.IP, d.Port)
}

func (d Destination) flatten(dst []Destination) []Destination {
	return append(dst, d.withDefaults())
}

// Group is a collection of targets, possibly nested.
type Group []Target

func (g Group) flatten(dst []Destination) []Destination {
	for _, t := range g {
		if t != nil {
			dst = t.flatten(dst)
		}
	}
	return dst
}

// Flatten returns every Destination t names, depth first, in order.
func Flatten(t Target) []Destination {
	if t == nil {
		return nil
	}
	return t.flatten(nil)
}
