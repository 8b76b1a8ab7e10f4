package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"voice-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(operatorID, role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), operatorID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireOperator(), RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveAs("u", RoleAdmin, RoleViewer); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AllowedRole(t *testing.T) {
	if code := serveAs("u", RoleOperator, RoleOperator, RoleViewer); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serveAs("u", RoleViewer, RoleOperator); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serveAs("svc", RoleService, RoleOperator); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs("svc", RoleService, RoleService); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireOperator(t *testing.T) {
	if code := serveAs("", RoleOperator, RoleOperator); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestKnown(t *testing.T) {
	if !Known(RoleViewer) || Known("owner") {
		t.Fatalf("unexpected Known result")
	}
}
