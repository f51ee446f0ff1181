package loadout

// FeatureStage is one step of an actor feature's initialisation.
// Features move through the stages in order: Uninitialized → DataAvailable →
// DependenciesReady → Initialized.
type FeatureStage int

const (
	// Uninitialized is the stage of every feature before it reports progress.
	Uninitialized FeatureStage = iota

	// DataAvailable means the feature's own data exists, for example after
	// the first replication pass delivered it.
	DataAvailable

	// DependenciesReady means every feature this one relies on is usable.
	DependenciesReady

	// Initialized means the feature is fully usable by others.
	Initialized

	// stageCount is the total number of stages.
	stageCount
)

// Next returns the stage directly after s.
func (s FeatureStage) Next() (FeatureStage, bool) {
	if s < Uninitialized || s+1 >= stageCount {
		return s, false
	}
	return s + 1, true
}

// Valid reports whether s is a known stage.
func (s FeatureStage) Valid() bool {
	return s >= Uninitialized && s < stageCount
}

// String returns the string representation of the stage.
func (s FeatureStage) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case DataAvailable:
		return "DataAvailable"
	case DependenciesReady:
		return "DependenciesReady"
	case Initialized:
		return "Initialized"
	default:
		return "Unknown"
	}
}
