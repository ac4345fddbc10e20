package suppression

import (
	"context"
	"testing"
)

func TestNoneNeverSuppresses(t *testing.T) {
	var c Checker = None{}
	ok, err := c.IsSuppressed(context.Background(), "a@b.test", "b.test")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected None to never suppress")
	}
}
