package fetchkit_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/MustafaHasria/fetchkit"
)

func ExampleFetch() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":42,"name":"Ana"}`)
	}))
	defer server.Close()

	transport, _ := fetchkit.NewHTTPTransport(fetchkit.TransportConfig{BaseURL: server.URL})
	repo, _ := fetchkit.New(transport)
	defer repo.Close()

	type user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	u, err := fetchkit.Fetch[user](context.Background(), repo, fetchkit.KeyOf("users/42"))
	fmt.Println(u.ID, u.Name, err)
	// Output: 42 Ana <nil>
}

func ExampleKeyOf() {
	a := fetchkit.KeyOf("products", "sort", "desc", "limit", "5")
	b := fetchkit.KeyOf("/products/", "limit", "5", "sort", "desc")
	fmt.Println(a, a == b)
	// Output: products?limit=5&sort=desc true
}
