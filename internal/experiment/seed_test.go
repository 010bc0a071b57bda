package experiment

import "testing"

func TestChildSeedIsStable(t *testing.T) {
	if childSeed(1, 0) != childSeed(1, 0) {
		t.Error("same master and replication produced different seeds")
	}
}

func TestChildSeedSeparatesReplicationsAndMasters(t *testing.T) {
	if childSeed(1, 0) == childSeed(1, 1) {
		t.Error("adjacent replications share a seed")
	}
	if childSeed(1, 0) == childSeed(2, 0) {
		t.Error("different masters share a seed")
	}

	seen := make(map[int64]int)
	for rep := 0; rep < 1000; rep++ {
		seed := childSeed(1, rep)
		if prev, ok := seen[seed]; ok {
			t.Fatalf("replications %d and %d collide on seed %d", prev, rep, seed)
		}
		seen[seed] = rep
	}
}
