package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dtroode/academysync/internal/model"
)

type academyAPI struct {
	svc Academy
}

func registerAcademyAPI(g *echo.Group, svc Academy) {
	api := academyAPI{svc: svc}

	sg := g.Group("/students")
	sg.GET("", api.listStudents)
	sg.POST("", api.createStudent)
	sg.PUT("/:id", api.updateStudent)
	sg.DELETE("/:id", api.deleteStudent)

	g.POST("/teachers", api.createTeacher)
	g.POST("/classes", api.createClass)
	g.POST("/attendance", api.recordAttendance)
}

func (api *academyAPI) listStudents(c echo.Context) error {
	students, err := api.svc.ListStudents(c.Request().Context(), callerToken(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, students)
}

func (api *academyAPI) createStudent(c echo.Context) error {
	var data model.Student
	if err := c.Bind(&data); err != nil {
		return err
	}
	student, err := api.svc.CreateStudent(c.Request().Context(), callerToken(c), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, student)
}

// updateStudent replaces the student; the path id wins over the body.
func (api *academyAPI) updateStudent(c echo.Context) error {
	var data model.Student
	if err := c.Bind(&data); err != nil {
		return err
	}
	data.ID = c.Param("id")

	student, err := api.svc.UpdateStudent(c.Request().Context(), callerToken(c), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, student)
}

func (api *academyAPI) deleteStudent(c echo.Context) error {
	if err := api.svc.DeleteStudent(c.Request().Context(), callerToken(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (api *academyAPI) createTeacher(c echo.Context) error {
	var data model.Teacher
	if err := c.Bind(&data); err != nil {
		return err
	}
	teacher, err := api.svc.CreateTeacher(c.Request().Context(), callerToken(c), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, teacher)
}

func (api *academyAPI) createClass(c echo.Context) error {
	var data model.Class
	if err := c.Bind(&data); err != nil {
		return err
	}
	class, err := api.svc.CreateClass(c.Request().Context(), callerToken(c), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, class)
}

// recordAttendance ignores a client supplied marked_by; the caller is recorded.
func (api *academyAPI) recordAttendance(c echo.Context) error {
	var data model.AttendanceMark
	if err := c.Bind(&data); err != nil {
		return err
	}
	mark, err := api.svc.RecordAttendance(c.Request().Context(), callerToken(c), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, mark)
}
