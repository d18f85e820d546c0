package api

import (
	"slices"

	"github.com/peakmap/server/internal/service"
)

const defaultTitle = "PeakMap"

// DatasetInfo describes one dataset in the /api/datasets listing.
type DatasetInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Format         string `json:"format"`
	Categorical    bool   `json:"categorical"`
	CategoryColumn string `json:"category_column,omitempty"`
}

// DatasetRegistry maps dataset ids to their HierarchyService. It is filled
// once at startup and read concurrently afterwards.
type DatasetRegistry struct {
	byID     map[string]*service.HierarchyService
	fallback string
	order    []string
	title    string
}

// NewDatasetRegistry returns an empty registry. order is the configured
// dataset order used for listings.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	if title == "" {
		title = defaultTitle
	}
	return &DatasetRegistry{
		byID:     make(map[string]*service.HierarchyService, len(order)),
		fallback: defaultDataset,
		order:    slices.Clone(order),
		title:    title,
	}
}

// Register binds svc to datasetID.
func (r *DatasetRegistry) Register(datasetID string, svc *service.HierarchyService) {
	r.byID[datasetID] = svc
}

// Get returns the service of datasetID or nil.
func (r *DatasetRegistry) Get(datasetID string) *service.HierarchyService {
	return r.byID[datasetID]
}

func (r *DatasetRegistry) DefaultDatasetID() string { return r.fallback }

// DatasetIDs returns a copy of the configured dataset order.
func (r *DatasetRegistry) DatasetIDs() []string { return slices.Clone(r.order) }

func (r *DatasetRegistry) Title() string { return r.title }

// Datasets lists the registered datasets in configured order.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	out := make([]DatasetInfo, 0, len(r.order))
	for _, id := range r.order {
		svc, ok := r.byID[id]
		if !ok {
			continue
		}
		ds := svc.Dataset()
		info := DatasetInfo{
			ID:             id,
			Name:           ds.Title,
			Format:         ds.Format,
			Categorical:    ds.Categorical(),
			CategoryColumn: ds.Columns.Category,
		}
		if info.Name == "" {
			info.Name = id
		}
		out = append(out, info)
	}
	return out
}
