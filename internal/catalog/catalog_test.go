package catalog

import "testing"

func TestBookable(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusListed, true},
		{StatusUnderOffer, true},
		{StatusSold, false},
		{StatusRented, false},
		{StatusSuspended, false},
		{"", false},
		{"LISTED", false},
	}

	for _, tt := range tests {
		if got := Bookable(tt.status); got != tt.want {
			t.Errorf("Bookable(%q) = %t, want %t", tt.status, got, tt.want)
		}
	}
}
