package endpoint

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds a single path, query or form value.
var defaultFieldLimit = 16 * 1024

// defaultBodyLimit bounds a JSON request body.
var defaultBodyLimit int64 = 1 << 20

// Unmarshal populates dst, a non-nil pointer to a struct, from the request.
//
// Supported struct tags:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  r.URL.Query()
//   - `form:"name"`   url-encoded form body
//   - `body:""`       the JSON request body, decoded into the field
//   - `maxLength:"n"` byte limit for a path/query/form value, 0 for none
//
// An empty name defaults to the lowercased field name. When a field has
// several source tags the first present value wins, in the order path,
// query, form. Untagged struct fields are decoded recursively. Missing values
// leave the field unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	d := &decoder{r: r, query: url.Values{}, form: url.Values{}}
	if r.URL != nil {
		d.query = r.URL.Query()
	}
	if !requestBodyIsJSON(r) {
		if err := r.ParseForm(); err != nil {
			return newEndpointError(http.StatusBadRequest, "", "malformed form", fmt.Errorf("parse form: %w", err))
		}
		d.form = r.PostForm
	}
	return d.decodeStruct(root)
}

type decoder struct {
	r     *http.Request
	query url.Values
	form  url.Values
	// bodyRead is set once the body has been consumed by a `body` field.
	bodyRead bool
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

func (d *decoder) decodeStruct(sv reflect.Value) error {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		if _, ok := sf.Tag.Lookup("body"); ok {
			if err := d.decodeBody(fv, sf.Name); err != nil {
				return err
			}
			continue
		}

		name := strings.ToLower(sf.Name)
		sources := []struct {
			tag    string
			lookup func(string) (string, bool)
		}{
			{"path", d.pathValue},
			{"query", valuesLookup(d.query)},
			{"form", valuesLookup(d.form)},
		}
		tagged := false
		for _, src := range sources {
			if _, ok := sf.Tag.Lookup(src.tag); ok {
				tagged = true
				break
			}
		}

		if !tagged {
			ft := sf.Type
			if ft.Kind() == reflect.Struct && !reflect.PointerTo(ft).Implements(textUnmarshalerType) {
				if err := d.decodeStruct(fv); err != nil {
					return err
				}
			}
			continue
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		for _, src := range sources {
			key, ok := sf.Tag.Lookup(src.tag)
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			if key == "-" {
				break
			}
			if key == "" {
				key = name
			}
			raw, present := src.lookup(key)
			if !present {
				continue
			}
			if limit > 0 && len(raw) > limit {
				return newEndpointError(http.StatusBadRequest, "", fmt.Sprintf("%s %q is too long", src.tag, key), nil)
			}
			if err := setField(fv, raw); err != nil {
				return newEndpointError(http.StatusBadRequest, "", fmt.Sprintf("invalid %s %q", src.tag, key), err)
			}
			break
		}
	}
	return nil
}

func (d *decoder) pathValue(name string) (string, bool) {
	v := d.r.PathValue(name)
	return v, v != ""
}

func valuesLookup(vs url.Values) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vs[name]
		if !ok || len(v) == 0 {
			return "", false
		}
		return v[0], true
	}
}

func (d *decoder) decodeBody(fv reflect.Value, fieldName string) error {
	if d.bodyRead {
		return newEndpointError(http.StatusInternalServerError, "", "", fmt.Errorf("endpoint: decode: multiple body fields, second is %s", fieldName))
	}
	d.bodyRead = true
	r := d.r
	if r.Body == nil || r.Body == http.NoBody || (r.ContentLength == 0 && requestBodyMediaType(r) == "") {
		return nil
	}
	if !requestBodyIsJSON(r) {
		mt := requestBodyMediaType(r)
		if mt == "" {
			mt = "(missing)"
		}
		return newEndpointError(http.StatusUnsupportedMediaType, "", "unsupported media type "+mt, nil)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, defaultBodyLimit))
	if err := dec.Decode(fv.Addr().Interface()); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return newEndpointError(http.StatusBadRequest, "", "malformed JSON body", err)
	}
	return nil
}

func requestBodyIsJSON(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mt := requestBodyMediaType(r)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func requestBodyMediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(mt)
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("maxLength: invalid integer %q", val)
	}
	if n < 0 {
		return 0, errors.New("maxLength: must be >= 0")
	}
	return n, nil
}

func setField(v reflect.Value, s string) error {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(s))
		}
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
		return nil
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	}
	return fmt.Errorf("unsupported kind %s", v.Kind())
}
