package settings

import (
	"github.com/magiconair/properties"

	"github.com/jrepp/prism-embed/pkg/embederr"
)

// FromPropertiesFile builds a layer from a .properties file
func FromPropertiesFile(name string, rank int, path string) (Layer, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return Layer{}, embederr.Configuration("Failed to read properties file %s", path).
			WithContext("path", path).
			WithCause(err)
	}
	return Layer{Name: name, Rank: rank, Values: p.Map()}, nil
}
