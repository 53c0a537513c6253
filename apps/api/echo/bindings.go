package echoapi

import (
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/core"
)

const (
	orderingParam   = "ordering"
	accessKeyHeader = "X-Access-Key"
	imageField      = "image"
	maxImageUpload  = 10 << 20
)

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

// boolQuery reads an optional boolean query parameter. A missing or empty value is false.
func boolQuery(ctx echo.Context, name string) (bool, error) {
	val := ctx.QueryParam(name)
	if val == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, "malformed "+name)
	}
	return b, nil
}

// pathParam returns a decoded path parameter. Titles may contain any character.
func pathParam(ctx echo.Context, name string) (string, error) {
	val := ctx.Param(name)
	if ctx.Request().URL.RawPath == "" { // router matched the decoded path
		return val, nil
	}
	decoded, err := url.PathUnescape(val)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "malformed "+name)
	}
	return decoded, nil
}

// accessKey prefers the header over the value sent in the body.
func accessKey(ctx echo.Context, fromBody string) string {
	if key := ctx.Request().Header.Get(accessKeyHeader); key != "" {
		return key
	}
	return fromBody
}

// bindImage reads the optional `image` file of a multipart request.
func bindImage(ctx echo.Context) ([]byte, error) {
	if !strings.HasPrefix(ctx.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return nil, nil
	}
	fh, err := ctx.FormFile(imageField)
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading image field")
	}
	if fh.Size > maxImageUpload {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "image is too large")
	}
	return readFile(fh)
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageUpload))
	if err != nil {
		return nil, errors.Wrap(err, "reading image")
	}
	return data, nil
}
