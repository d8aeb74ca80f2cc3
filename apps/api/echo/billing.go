package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/account"
	"github.com/trezcool/karo/core/billing"
)

type billingApi struct {
	svc      billing.Service
	acctSvc  account.Service
	validate *validator.Validate
}

func registerBillingAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc billing.Service,
	acctSvc account.Service,
	validate *validator.Validate,
) {
	api := billingApi{
		svc:      svc,
		acctSvc:  acctSvc,
		validate: validate,
	}

	sg := g.Group("/students", jwt)
	sg.POST("", api.createStudent, adminMiddleware())
	sg.GET("", api.queryStudents)
	sg.DELETE("", api.destroyStudents, adminMiddleware())
	sg.GET("/:id", api.retrieveStudent)
	sg.PUT("/:id", api.updateStudent, adminMiddleware())
	sg.DELETE("/:id", api.destroyStudent, adminMiddleware())
	sg.POST("/:id/link-parent", api.linkParent, adminMiddleware())
	sg.GET("/:id/invoices", api.queryStudentInvoices)

	ig := g.Group("/invoices", jwt)
	ig.POST("", api.createInvoice, adminMiddleware())
	ig.GET("", api.queryInvoices)
	ig.GET("/:id", api.retrieveInvoice)
	ig.GET("/:id/payments", api.queryInvoicePayments)

	pg := g.Group("/payments", jwt)
	pg.POST("", api.applyPayment)
	pg.GET("", api.queryPayments)

	// parent-scoped listings, admin or self
	rg := g.Group("/parents/:id", jwt)
	rg.GET("/students", api.queryParentStudents)
	rg.GET("/invoices", api.queryParentInvoices)
	rg.GET("/payments", api.queryParentPayments)
}

// Students

func (api *billingApi) createStudent(ctx echo.Context) error {
	var data billing.NewStudent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudent")
	}
	if err := data.Validate(ctx.Request().Context(), api.validate, api.svc); err != nil {
		return err
	}

	std, err := api.svc.CreateStudent(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating student")
	}
	return ctx.JSON(http.StatusCreated, std)
}

func (api *billingApi) queryStudents(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := new(billing.StudentFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []billing.Student{})
	}
	filter.Clean()
	ordering := new(Ordering)
	ordering.Bind(ctx)

	students, err := api.svc.QueryStudents(ctx.Request().Context(), claims.Caller(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying students")
	}
	if students == nil {
		students = []billing.Student{}
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *billingApi) retrieveStudent(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	std, err := api.svc.GetStudent(ctx.Request().Context(), claims.Caller(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding student by ID")
	}
	return ctx.JSON(http.StatusOK, std)
}

func (api *billingApi) updateStudent(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data billing.UpdateStudent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateStudent")
	}

	orig, err := api.svc.GetStudent(ctx.Request().Context(), claims.Caller(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding student by ID")
	}
	if err := data.Validate(ctx.Request().Context(), api.validate, orig, api.svc); err != nil {
		return err
	}

	std, err := api.svc.UpdateStudent(ctx.Request().Context(), orig.ID, data)
	if err != nil {
		return errors.Wrap(err, "updating student")
	}
	return ctx.JSON(http.StatusOK, std)
}

func (api *billingApi) destroyStudent(ctx echo.Context) error {
	if err := api.svc.DeleteStudents(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return errors.Wrap(err, "deleting student")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *billingApi) destroyStudents(ctx echo.Context) error {
	var query DestroyMultipleRequest
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding to DestroyMultipleRequest")
	}
	if query.IDs == nil {
		return ctx.NoContent(http.StatusNoContent)
	}

	if err := api.svc.DeleteStudents(ctx.Request().Context(), query.IDs...); err != nil {
		return errors.Wrap(err, "deleting students")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *billingApi) linkParent(ctx echo.Context) error {
	var data billing.LinkParent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LinkParent")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	std, err := api.svc.LinkParent(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "linking parent")
	}
	return ctx.JSON(http.StatusOK, std)
}

func (api *billingApi) queryStudentInvoices(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := &billing.InvoiceFilter{StudentID: ctx.Param("id")}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	invoices, err := api.svc.QueryInvoices(ctx.Request().Context(), claims.Caller(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying student invoices")
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	return ctx.JSON(http.StatusOK, invoices)
}

// Invoices

func (api *billingApi) createInvoice(ctx echo.Context) error {
	var data billing.NewInvoice
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewInvoice")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	inv, err := api.svc.CreateInvoice(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating invoice")
	}
	return ctx.JSON(http.StatusCreated, inv)
}

func (api *billingApi) queryInvoices(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := new(billing.InvoiceFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []billing.Invoice{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	invoices, err := api.svc.QueryInvoices(ctx.Request().Context(), claims.Caller(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying invoices")
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	return ctx.JSON(http.StatusOK, invoices)
}

func (api *billingApi) retrieveInvoice(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	inv, err := api.svc.GetInvoice(ctx.Request().Context(), claims.Caller(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding invoice by ID")
	}
	return ctx.JSON(http.StatusOK, inv)
}

func (api *billingApi) queryInvoicePayments(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := &billing.PaymentFilter{InvoiceID: ctx.Param("id")}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	payments, err := api.svc.QueryPayments(ctx.Request().Context(), claims.Caller(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying invoice payments")
	}
	if payments == nil {
		payments = []billing.Payment{}
	}
	return ctx.JSON(http.StatusOK, payments)
}

// Payments

func (api *billingApi) applyPayment(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data billing.NewPayment
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPayment")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	inv, pmt, err := api.svc.ApplyPayment(ctx.Request().Context(), claims.Caller(), data)
	if err != nil {
		return errors.Wrap(err, "applying payment")
	}
	return ctx.JSON(http.StatusCreated, PaymentResponse{Invoice: inv, Payment: pmt})
}

func (api *billingApi) queryPayments(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := new(billing.PaymentFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []billing.Payment{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	payments, err := api.svc.QueryPayments(ctx.Request().Context(), claims.Caller(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying payments")
	}
	if payments == nil {
		payments = []billing.Payment{}
	}
	return ctx.JSON(http.StatusOK, payments)
}

// Parent-scoped listings

func (api *billingApi) queryParentStudents(ctx echo.Context) error {
	claims, parentID, err := parentScope(ctx)
	if err != nil {
		return err
	}

	filter := &billing.StudentFilter{ParentID: parentID}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	students, err := api.svc.QueryStudents(ctx.Request().Context(), claims.Caller(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying parent students")
	}
	if students == nil {
		students = []billing.Student{}
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *billingApi) queryParentInvoices(ctx echo.Context) error {
	claims, parentID, err := parentScope(ctx)
	if err != nil {
		return err
	}

	filter := &billing.InvoiceFilter{ParentID: parentID}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	invoices, err := api.svc.QueryInvoices(ctx.Request().Context(), claims.Caller(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying parent invoices")
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	return ctx.JSON(http.StatusOK, invoices)
}

func (api *billingApi) queryParentPayments(ctx echo.Context) error {
	claims, parentID, err := parentScope(ctx)
	if err != nil {
		return err
	}

	filter := &billing.PaymentFilter{ParentID: parentID}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	payments, err := api.svc.QueryPayments(ctx.Request().Context(), claims.Caller(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying parent payments")
	}
	if payments == nil {
		payments = []billing.Payment{}
	}
	return ctx.JSON(http.StatusOK, payments)
}

// parentScope restricts a /parents/:id endpoint to admins and the parent
// themselves. Foreign parents get a 404 rather than a hint that the ID exists.
func parentScope(ctx echo.Context) (Claims, string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return Claims{}, "", errors.Wrap(err, "getting context claims")
	}
	parentID := ctx.Param("id")
	if !(claims.IsAdmin || claims.Subject == parentID) {
		return Claims{}, "", errHttpNotFound
	}
	return claims, parentID, nil
}

type PaymentResponse struct {
	Invoice billing.Invoice `json:"invoice"`
	Payment billing.Payment `json:"payment"`
}
