// Package data holds what the dataset sources share.
package data

import "errors"

// Columns names the columns a source reads. X, Y and Intensity are
// required; without RowID the row ordinal is used and without Category no
// category values are reported.
type Columns struct {
	X         string `yaml:"x" json:"x"`
	Y         string `yaml:"y" json:"y"`
	Intensity string `yaml:"intensity" json:"intensity"`
	Category  string `yaml:"category" json:"category,omitempty"`
	RowID     string `yaml:"row_id" json:"row_id,omitempty"`
}

// Validate checks that the required columns are named.
func (c Columns) Validate() error {
	if c.X == "" || c.Y == "" || c.Intensity == "" {
		return errors.New("x, y and intensity columns are required")
	}
	return nil
}
